package api

import "net/http"

// dashboardHandler serves the embedded admin dashboard SPA.
func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>pgfixture</title>
  <style>
    body { font-family: monospace; margin: 2rem; background: #111; color: #ddd; }
    h1 { font-weight: normal; }
    table { border-collapse: collapse; width: 100%; }
    th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #333; }
    .healthy { color: #6c6; }
    .unhealthy { color: #c66; }
  </style>
</head>
<body>
  <h1>pgfixture — active sessions</h1>
  <table id="sessions"><thead>
    <tr><th>pid</th><th>user</th><th>database</th><th>state</th><th>tx</th><th>started</th><th></th></tr>
  </thead><tbody></tbody></table>
  <script>
    async function refresh() {
      const res = await fetch('/sessions');
      const sessions = await res.json();
      const body = document.querySelector('#sessions tbody');
      body.innerHTML = '';
      for (const s of (sessions || [])) {
        const row = document.createElement('tr');
        row.innerHTML =
          '<td>' + s.Pid + '</td>' +
          '<td>' + s.User + '</td>' +
          '<td>' + s.Database + '</td>' +
          '<td>' + s.State + '</td>' +
          '<td>' + String.fromCharCode(s.TxStatus) + '</td>' +
          '<td>' + s.StartedAt + '</td>' +
          '<td><button onclick="cancelPid(' + s.Pid + ')">cancel</button></td>';
        body.appendChild(row);
      }
    }
    async function cancelPid(pid) {
      await fetch('/sessions/' + pid + '/cancel', { method: 'POST' });
      refresh();
    }
    refresh();
    setInterval(refresh, 2000);
  </script>
</body>
</html>
`
