package dashboard

// indexHTML is the single-page dashboard. It subscribes to /ws and keeps
// a rolling view of the most recent flows and injections.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Agent Chaos Dashboard</title>
<style>
  body { font-family: ui-monospace, monospace; background: #101418; color: #d8dee9; margin: 0; }
  header { padding: 12px 20px; background: #16202a; border-bottom: 1px solid #2c3844; }
  h1 { font-size: 16px; margin: 0; }
  #status { float: right; font-size: 12px; color: #7fbf7f; }
  #status.down { color: #bf7f7f; }
  main { display: grid; grid-template-columns: 2fr 1fr; gap: 12px; padding: 12px 20px; }
  section { background: #16202a; border: 1px solid #2c3844; border-radius: 4px; padding: 10px; }
  h2 { font-size: 13px; margin: 0 0 8px; color: #88a0b8; text-transform: uppercase; }
  table { width: 100%; border-collapse: collapse; font-size: 12px; }
  td, th { padding: 3px 6px; text-align: left; border-bottom: 1px solid #222c36; }
  .chaos { color: #e5c07b; }
  .err { color: #e06c75; }
  .ok { color: #98c379; }
</style>
</head>
<body>
<header>
  <span id="status">connecting…</span>
  <h1>Agent Chaos Dashboard</h1>
</header>
<main>
  <section>
    <h2>Flows</h2>
    <table id="flows"><tr><th>time</th><th>method</th><th>url</th><th>type</th><th>status</th></tr></table>
  </section>
  <section>
    <h2>Injections</h2>
    <table id="chaos"><tr><th>time</th><th>strategy</th><th>phase</th></tr></table>
  </section>
</main>
<script>
const MAX_ROWS = 50;
const flows = document.getElementById('flows');
const chaos = document.getElementById('chaos');
const status = document.getElementById('status');

function prepend(table, cells) {
  const row = table.insertRow(1);
  for (const [text, cls] of cells) {
    const cell = row.insertCell();
    cell.textContent = text;
    if (cls) cell.className = cls;
  }
  while (table.rows.length > MAX_ROWS + 1) table.deleteRow(-1);
}

function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.onopen = () => { status.textContent = 'live'; status.className = ''; };
  ws.onclose = () => { status.textContent = 'reconnecting…'; status.className = 'down'; setTimeout(connect, 2000); };
  ws.onmessage = (msg) => {
    const evt = JSON.parse(msg.data);
    const t = (evt.timestamp || '').replace(/^.*T/, '').replace(/[+Z].*$/, '');
    if (evt.event_type === 'request_started') {
      prepend(flows, [[t], [evt.method], [evt.url], [evt.traffic_type], ['…']]);
    } else if (evt.event_type === 'response_received') {
      prepend(flows, [[t], [''], [evt.request_id], [''], [String(evt.status_code), evt.success ? 'ok' : 'err']]);
    } else if (evt.event_type === 'chaos_injected') {
      prepend(chaos, [[t], [evt.strategy_name, 'chaos'], [evt.phase]]);
    }
  };
  setInterval(() => { if (ws.readyState === WebSocket.OPEN) ws.send('{"type":"ping"}'); }, 25000);
}
connect();
</script>
</body>
</html>
`
