package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>AITRIOS Device Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">AITRIOS Device Monitor</div>
            <span class="badge badge-secondary" id="status-badge">Waiting for data...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Device</h2>
                <p class="panel-subtitle" id="device-id">--</p>
                <div class="stat-grid">
                    <div class="stat">
                        <span class="stat-label">Connection</span>
                        <span class="stat-value" id="connection">--</span>
                    </div>
                    <div class="stat">
                        <span class="stat-label">Operation</span>
                        <span class="stat-value" id="operation">--</span>
                    </div>
                </div>
                <div class="list">
                    <div class="list-item">
                        <div class="list-label">Observed</div>
                        <div class="list-value" id="observed-at">--</div>
                    </div>
                    <div class="list-item">
                        <div class="list-label">Start</div>
                        <div class="list-value" id="start-phase">--</div>
                    </div>
                    <div class="list-item">
                        <div class="list-label">Stop</div>
                        <div class="list-value" id="stop-phase">--</div>
                    </div>
                    <div class="list-item">
                        <div class="list-label">Processing</div>
                        <div class="list-value" id="processing">--</div>
                    </div>
                </div>
                <div style="margin-top:12px;display:flex;gap:8px;flex-wrap:wrap;">
                    <button id="btn-start" class="btn btn-primary" disabled>Start inference</button>
                    <button id="btn-stop" class="btn" disabled>Stop inference</button>
                    <button id="btn-refresh" class="btn">Refresh</button>
                </div>
            </div>

            <div class="panel">
                <h2>Latest frame</h2>
                <p class="panel-subtitle" id="frame-info">No frame yet</p>
                <img id="frame" alt="Latest captured image" style="width:100%;height:auto;display:none;">
            </div>

            <div class="panel" style="grid-column: span 2;">
                <h2>Command parameters</h2>
                <p class="panel-subtitle" id="param-file">--</p>
                <textarea id="param-editor" spellcheck="false" style="width:100%;min-height:280px;font-family:monospace;"></textarea>
                <div style="margin-top:8px;display:flex;gap:8px;flex-wrap:wrap;">
                    <button id="btn-load" class="btn">Reload</button>
                    <button id="btn-default" class="btn">Load default</button>
                    <button id="btn-validate" class="btn">Validate</button>
                    <button id="btn-apply" class="btn btn-primary">Apply</button>
                </div>
                <div id="param-result" class="record-info"></div>
            </div>

            <div class="panel" style="grid-column: span 2;">
                <h2>Log</h2>
                <div class="detections" id="log-list"></div>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);

        function appendLog(level, text, time) {
            const row = document.createElement('div');
            row.className = 'list-item ' + level;
            const ts = time ? new Date(time).toLocaleTimeString() : '';
            row.textContent = '[' + ts + '] ' + text;
            const list = $('log-list');
            list.prepend(row);
            while (list.children.length > 200) {
                list.removeChild(list.lastChild);
            }
        }

        function renderCommand(id, status) {
            $(id).textContent = status ? status.phase + (status.message ? ' (' + status.message + ')' : '') : '--';
        }

        function renderSnapshot(s) {
            $('device-id').textContent = s.state.device_id;
            $('connection').textContent = s.state.connection;
            $('operation').textContent = s.state.operation;
            $('observed-at').textContent = s.state.observed_at ? new Date(s.state.observed_at).toLocaleTimeString() : '--';
            renderCommand('start-phase', s.start);
            renderCommand('stop-phase', s.stop);
            $('processing').textContent = s.processing ? 'running' : 'stopped';
            $('btn-start').disabled = !s.can_start;
            $('btn-stop').disabled = !s.can_stop;
            $('status-badge').textContent = s.state.connection + ' / ' + s.state.operation;
        }

        async function refreshStatus() {
            const resp = await fetch('/api/status');
            renderSnapshot(await resp.json());
        }

        async function post(url, body) {
            const resp = await fetch(url, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: body,
            });
            return resp.json();
        }

        async function loadFrame() {
            const resp = await fetch('/api/frames/latest');
            if (!resp.ok) {
                return;
            }
            const f = await resp.json();
            let info = new Date(f.fetched_at).toLocaleTimeString() + ' - ' + f.inferences + ' inferences';
            if (f.image_name) {
                info += ' - ' + f.image_name + ' (' + f.width + 'x' + f.height + ' ' + f.format + ')';
            }
            if (f.error) {
                info += ' - ' + f.error;
            }
            $('frame-info').textContent = info;
            if (f.image_base64 && f.format) {
                $('frame').src = 'data:image/' + f.format + ';base64,' + f.image_base64;
                $('frame').style.display = 'block';
            }
        }

        async function loadParameters() {
            const resp = await fetch('/api/parameters');
            const p = await resp.json();
            $('param-file').textContent = p.bound ? p.file_name : 'not bound (showing default)';
            $('param-editor').value = JSON.stringify(p.document, null, 4);
        }

        async function loadDefault() {
            const resp = await fetch('/api/parameters/default');
            $('param-editor').value = JSON.stringify(await resp.json(), null, 4);
        }

        $('btn-start').onclick = () => post('/api/inference/start').then((o) => appendLog(o.accepted ? 'info' : 'warn', o.message));
        $('btn-stop').onclick = () => post('/api/inference/stop').then((o) => appendLog(o.accepted ? 'info' : 'warn', o.message));
        $('btn-refresh').onclick = () => post('/api/status/refresh');
        $('btn-load').onclick = loadParameters;
        $('btn-default').onclick = loadDefault;
        $('btn-validate').onclick = async () => {
            const v = await post('/api/parameters/validate', $('param-editor').value);
            $('param-result').textContent = v.valid ? 'Valid' : v.kind + ': ' + v.reason;
        };
        $('btn-apply').onclick = async () => {
            $('btn-apply').disabled = true;
            try {
                const r = await post('/api/parameters', $('param-editor').value);
                $('param-result').textContent = (r.success ? 'Success: ' : 'Failure: ') + r.message;
            } finally {
                $('btn-apply').disabled = false;
            }
        };

        const source = new EventSource('/api/status/stream');
        source.addEventListener('snapshot', (e) => renderSnapshot(JSON.parse(e.data)));
        source.addEventListener('device:state', () => refreshStatus());
        source.addEventListener('command:update', () => refreshStatus());
        source.addEventListener('processing:update', () => refreshStatus());
        source.addEventListener('processing:frame', () => loadFrame());
        source.addEventListener('status:message', (e) => {
            const m = JSON.parse(e.data);
            appendLog(m.level, m.text, m.time);
        });
        source.addEventListener('params:applied', (e) => {
            const r = JSON.parse(e.data);
            $('param-result').textContent = (r.success ? 'Success: ' : 'Failure: ') + r.message;
        });

        fetch('/api/log?n=50').then((r) => r.json()).then((l) => {
            (l.lines || []).forEach((line) => appendLog(line.level.toLowerCase(), '[' + line.module + '] ' + line.message, line.time));
        });
        loadParameters();
        loadFrame();
    </script>
</body>
</html>
`
