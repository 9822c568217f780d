package api

import "net/http"

// HandleIndex serves the built-in dashboard page. Everything it renders
// comes from the JSON endpoints, so operators can also point their own
// tooling at those directly.
func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<title>Arbitrage Dashboard</title>
<meta charset="utf-8">
<style>
  body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; background: #0a0e27; color: #e0e0e0; padding: 20px; }
  h1 { color: #00d9ff; font-size: 22px; margin-bottom: 4px; }
  h2 { color: #00d9ff; font-size: 16px; margin: 18px 0 8px; border-bottom: 1px solid #1a1f3a; padding-bottom: 6px; }
  table { width: 100%; border-collapse: collapse; background: #151933; }
  th { background: #1a1f3a; padding: 8px; text-align: left; color: #8b92b8; font-size: 12px; text-transform: uppercase; }
  td { padding: 8px; border-top: 1px solid #1a1f3a; font-size: 13px; }
  .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(260px, 1fr)); gap: 12px; }
  .card { background: #151933; border: 1px solid #1a1f3a; border-radius: 8px; padding: 12px; }
  .muted { color: #8b92b8; }
  .pos { color: #00ff88; }
  .neg { color: #ff4757; }
  .dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-right: 6px; }
  .healthy { background: #00ff88; } .degraded { background: #ffa502; } .down { background: #ff4757; }
</style>
</head>
<body>
<h1>Arbitrage Dashboard</h1>
<p class="muted" style="font-size:13px">Cross-venue edges, fills, exposure, and feed health</p>

<h2>Live Edges</h2>
<table><thead><tr><th>Pair</th><th>Primary</th><th>Hedge</th><th>Side</th><th>Net Edge</th><th>Slippage</th><th>Leader</th><th>Conf</th><th>Time</th></tr></thead>
<tbody id="edges"><tr><td colspan="9" class="muted">Loading…</td></tr></tbody></table>

<h2>Recent Fills</h2>
<table><thead><tr><th>Time</th><th>Venue</th><th>Market</th><th>Side</th><th>Price</th><th>Size</th><th>Fee</th></tr></thead>
<tbody id="fills"><tr><td colspan="7" class="muted">No fills yet</td></tr></tbody></table>

<h2>Exposure</h2>
<div class="grid" id="exposure"></div>

<h2>Feed Health</h2>
<div class="grid" id="health"></div>

<script>
async function refresh() {
  try {
    const [edges, fills, exposure, health] = await Promise.all([
      fetch('/api/edges').then(r => r.json()),
      fetch('/api/fills').then(r => r.json()),
      fetch('/api/exposure').then(r => r.json()),
      fetch('/health').then(r => r.json()),
    ]);
    renderEdges(edges); renderFills(fills); renderExposure(exposure); renderHealth(health.venues || []);
  } catch (err) { console.error('refresh failed', err); }
}

function renderEdges(edges) {
  const el = document.getElementById('edges');
  if (!edges.length) { el.innerHTML = '<tr><td colspan="9" class="muted">No live edges</td></tr>'; return; }
  el.innerHTML = edges.map(e => '<tr><td>' + e.pair_id + '</td><td>' + e.primary_market +
    '</td><td>' + e.hedge_market + '</td><td>' + e.side + '</td><td class="pos">' +
    e.net_edge_cents.toFixed(2) + '¢</td><td>' + e.expected_slippage_cents.toFixed(2) +
    '¢</td><td>' + (e.leader || '-') + '</td><td>' + (e.confidence * 100).toFixed(0) +
    '%</td><td>' + new Date(e.timestamp).toLocaleTimeString() + '</td></tr>').join('');
}

function renderFills(fills) {
  const el = document.getElementById('fills');
  if (!fills.length) { el.innerHTML = '<tr><td colspan="7" class="muted">No fills yet</td></tr>'; return; }
  el.innerHTML = fills.map(f => '<tr><td>' + new Date(f.timestamp).toLocaleTimeString() +
    '</td><td>' + f.venue + '</td><td>' + f.market_id + '</td><td>' + f.side + '</td><td>' +
    f.price.toFixed(3) + '</td><td>' + f.size.toFixed(1) + '</td><td>$' +
    f.fee_usd.toFixed(2) + '</td></tr>').join('');
}

function renderExposure(exposures) {
  const el = document.getElementById('exposure');
  if (!exposures.length) { el.innerHTML = '<div class="card muted">Flat</div>'; return; }
  el.innerHTML = exposures.map(x => '<div class="card"><b>' + x.venue + '</b><br>Notional $' +
    x.total_notional_usd.toFixed(2) + '<br>Positions ' + x.num_positions +
    '<br>Realized <span class="' + (x.realized_pnl_usd >= 0 ? 'pos' : 'neg') + '">$' +
    x.realized_pnl_usd.toFixed(2) + '</span></div>').join('');
}

function renderHealth(venues) {
  const el = document.getElementById('health');
  if (!venues.length) { el.innerHTML = '<div class="card muted">No feeds yet</div>'; return; }
  el.innerHTML = venues.map(h => '<div class="card"><span class="dot ' + h.status + '"></span><b>' +
    h.venue + '</b> ' + h.status + '<br>p50 ' + h.feed_latency_p50_ms.toFixed(0) +
    'ms &middot; p95 ' + h.feed_latency_p95_ms.toFixed(0) + 'ms<br>stale ' +
    (h.staleness_ms / 1000).toFixed(1) + 's</div>').join('');
}

setInterval(refresh, 5000);
refresh();
</script>
</body>
</html>
`
