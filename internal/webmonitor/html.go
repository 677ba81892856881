package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Chickeye Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/monitor.css">
    <style>
        body { font-family: sans-serif; background: #111; color: #eee; margin: 0; }
        .app { max-width: 1280px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; }
        .panel { background: #1c1c1c; border-radius: 8px; padding: 12px; }
        .panel img { width: 100%; display: block; }
        .badge { padding: 2px 8px; border-radius: 8px; background: #444; }
        .badge.open { background: #2e7d32; }
        .badge.connecting { background: #f9a825; color: #111; }
        .presence-row { display: flex; justify-content: space-between; padding: 4px 0; border-bottom: 1px solid #333; }
        .presence-row.present { color: #8bc34a; }
        .swatch { display: inline-block; width: 10px; height: 10px; margin-right: 6px; }
        .toolbar { display: flex; gap: 8px; flex-wrap: wrap; margin: 8px 0; }
        .det { display: flex; gap: 8px; align-items: center; margin: 4px 0; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Chickeye Monitor</h1>
            <span class="badge" id="status-badge">closed</span>
        </div>

        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <img id="stream" src="/stream" alt="live stream">
                <div id="stream-footer">
                    <span id="fps">0</span> fps &middot; latency <span id="latency">--</span> ms
                    &middot; <span id="detections">0</span> detections
                </div>
            </div>
            <div class="panel">
                <h2>Presence</h2>
                <div id="presence"></div>
                <h2>Recording</h2>
                <div class="toolbar">
                    <button type="button" id="rec-start">Start</button>
                    <button type="button" id="rec-stop">Stop</button>
                    <span id="rec-status">idle</span>
                </div>
            </div>
        </div>

        <div class="panel" style="margin-top:16px;">
            <h2>Label Review</h2>
            <form id="import-form" class="toolbar">
                <input type="file" id="import-files" webkitdirectory multiple>
                <button type="submit">Import</button>
            </form>
            <div class="toolbar">
                <button type="button" id="lbl-prev">Prev</button>
                <button type="button" id="lbl-next">Next</button>
                <button type="button" id="lbl-exclude">Exclude</button>
                <label><input type="checkbox" id="exp-images"> images</label>
                <label><input type="checkbox" id="exp-yaml"> data.yaml</label>
                <button type="button" id="lbl-export">Export</button>
                <span id="lbl-position">no session</span>
            </div>
            <div class="grid">
                <img id="lbl-image" alt="">
                <div id="lbl-detections"></div>
            </div>
        </div>
    </div>

    <script>
        const $ = (id) => document.getElementById(id);
        let categories = { names: [], colors: [] };

        function renderStatus(status) {
            const m = status.monitor;
            const badge = $('status-badge');
            badge.textContent = m.connection_state;
            badge.className = 'badge ' + m.connection_state;
            $('fps').textContent = m.current_fps;
            $('latency').textContent = m.latency_ms === null ? '--' : m.latency_ms;
            $('detections').textContent = m.detection_count;
            $('presence').innerHTML = (status.presence || []).map((row) =>
                '<div class="presence-row' + (row.active ? ' present' : '') + '">' +
                '<span><span class="swatch" style="background:' + row.color + '"></span>' + row.name + '</span>' +
                '<span>' + row.label + '</span></div>'
            ).join('');
        }

        new EventSource('/api/status/stream').onmessage = (e) => renderStatus(JSON.parse(e.data));

        async function post(url, body) {
            const res = await fetch(url, {
                method: 'POST',
                headers: body ? { 'Content-Type': 'application/json' } : {},
                body: body ? JSON.stringify(body) : undefined,
            });
            return res.json();
        }

        async function refreshRecording() {
            const st = await (await fetch('/api/recording/status')).json();
            $('rec-status').textContent = st.recording ? 'recording ' + st.frame_count + ' frames' : 'idle';
        }
        $('rec-start').onclick = async () => { await post('/api/recording/start'); refreshRecording(); };
        $('rec-stop').onclick = async () => { await post('/api/recording/stop'); refreshRecording(); };

        function renderSession(view) {
            if (view.error) { alert(view.error); return; }
            if (!view.current) {
                $('lbl-position').textContent = view.total ? 'all frames excluded' : 'no session';
                $('lbl-image').removeAttribute('src');
                $('lbl-detections').innerHTML = '';
                return;
            }
            $('lbl-position').textContent = (view.index + 1) + ' / ' + view.len + ' (' + view.kept + ' kept)';
            $('lbl-image').src = '/api/labels/frames/' + view.index + '/image?overlay=1&v=' + Date.now();
            $('lbl-detections').innerHTML = view.current.detections.map((d, i) => {
                const effective = d.reassigned_category_index ?? d.category_index;
                const options = categories.names.map((n, c) =>
                    '<option' + (c === effective ? ' selected' : '') + '>' + n + '</option>').join('');
                return '<div class="det">#' + (i + 1) + ' <select data-det="' + i + '">' + options + '</select></div>';
            }).join('');
            document.querySelectorAll('#lbl-detections select').forEach((sel) => {
                sel.onchange = async () => {
                    const res = await post('/api/labels/remap', { detection: Number(sel.dataset.det), category: sel.value });
                    renderSession(res.session || res);
                };
            });
        }

        $('import-form').onsubmit = async (e) => {
            e.preventDefault();
            const form = new FormData();
            for (const f of $('import-files').files) {
                form.append('files', f);
                form.append('paths', f.webkitRelativePath || f.name);
            }
            const res = await fetch('/api/labels/import', { method: 'POST', body: form });
            renderSession(await res.json());
        };
        $('lbl-prev').onclick = async () => renderSession(await post('/api/labels/prev'));
        $('lbl-next').onclick = async () => renderSession(await post('/api/labels/next'));
        $('lbl-exclude').onclick = async () => renderSession(await post('/api/labels/exclude'));
        $('lbl-export').onclick = () => {
            const q = new URLSearchParams();
            if ($('exp-images').checked) q.set('images', '1');
            if ($('exp-yaml').checked) q.set('yaml', '1');
            window.location = '/api/labels/export?' + q.toString();
        };

        window.addEventListener('load', async () => {
            categories = await (await fetch('/api/categories')).json();
            renderSession(await (await fetch('/api/labels/session')).json());
            refreshRecording();
        });
    </script>
</body>
</html>
`
