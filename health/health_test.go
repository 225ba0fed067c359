package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const hlsMaster = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=2000000,RESOLUTION=1280x720
720p/index.m3u8
`

const hlsMedia = `#EXTM3U
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
segment-1.ts
`

const dashOk = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic">
  <Period id="1">
    <AdaptationSet mimeType="video/mp4">
      <Representation id="720p" bandwidth="2000000"/>
    </AdaptationSet>
  </Period>
</MPD>`

const dashNoRepresentation = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011">
  <Period id="1"><AdaptationSet mimeType="video/mp4"></AdaptationSet></Period>
</MPD>`

const dashWrongNamespace = `<?xml version="1.0"?>
<MPD xmlns="urn:example"><Period><AdaptationSet><Representation id="a"/></AdaptationSet></Period></MPD>`

func TestChecker(t *testing.T) {
	mux := http.NewServeMux()
	serve := func(path string, body string) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				return
			}
			_, _ = w.Write([]byte(body))
		})
	}
	serve("/live/master.m3u8", hlsMaster)
	serve("/live/720p/index.m3u8", hlsMedia)
	serve("/live/720p/segment-1.ts", "")
	serve("/broken/media.m3u8", hlsMedia)
	serve("/bad/header.m3u8", "#EXT-X-VERSION:3\n#EXTINF:6.0,\nseg.ts\n")
	serve("/bad/empty.m3u8", "#EXTM3U\n#EXT-X-VERSION:3\n")
	serve("/dash/ok.mpd", dashOk)
	serve("/dash/norep.mpd", dashNoRepresentation)
	serve("/dash/ns.mpd", dashWrongNamespace)
	serve("/dash/garbage.mpd", "not xml")
	mux.HandleFunc("/slow.m3u8", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(hlsMedia))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	checker := NewChecker(100*time.Millisecond, 100*time.Millisecond)
	for scenario, tc := range map[string]struct {
		url    string
		status Status
	}{
		"hls master playlist":            {url: srv.URL + "/live/master.m3u8", status: HEALTHY},
		"hls media playlist":             {url: srv.URL + "/live/720p/index.m3u8", status: HEALTHY},
		"hls segment missing":            {url: srv.URL + "/broken/media.m3u8", status: UNHEALTHY},
		"hls without header":             {url: srv.URL + "/bad/header.m3u8", status: UNHEALTHY},
		"hls without streams":            {url: srv.URL + "/bad/empty.m3u8", status: UNHEALTHY},
		"dash manifest":                  {url: srv.URL + "/dash/ok.mpd", status: HEALTHY},
		"dash without representation":    {url: srv.URL + "/dash/norep.mpd", status: UNHEALTHY},
		"dash with wrong namespace":      {url: srv.URL + "/dash/ns.mpd", status: UNHEALTHY},
		"dash that is not xml":           {url: srv.URL + "/dash/garbage.mpd", status: UNHEALTHY},
		"manifest not found":             {url: srv.URL + "/missing.m3u8", status: UNHEALTHY},
		"manifest timeout":               {url: srv.URL + "/slow.m3u8", status: UNHEALTHY},
		"missing url":                    {url: "", status: UNHEALTHY},
		"unsupported scheme":             {url: "ftp://example.com/live.m3u8", status: UNHEALTHY},
		"unsupported manifest extension": {url: srv.URL + "/live/720p/segment-1.ts", status: UNHEALTHY},
	} {
		t.Run(scenario, func(t *testing.T) {
			res := checker.Check(context.Background(), tc.url)
			require.Equal(t, tc.status, res.Status, res.Details)
			require.NotEmpty(t, res.Details)
		})
	}
}
