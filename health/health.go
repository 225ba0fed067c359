package health

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohitkumar/streamflow/logger"
	"go.uber.org/zap"
)

type Status string

const (
	HEALTHY   Status = "Healthy"
	UNHEALTHY Status = "Unhealthy"
)

const DASH_NAMESPACE = "urn:mpeg:dash:schema:mpd:2011"

// maxManifestSize bounds how much of a manifest is read.
const maxManifestSize = 4 << 20

type Result struct {
	Status  Status `json:"status"`
	Details string `json:"details"`
}

func healthy(format string, args ...any) Result {
	return Result{Status: HEALTHY, Details: fmt.Sprintf(format, args...)}
}

func unhealthy(format string, args ...any) Result {
	return Result{Status: UNHEALTHY, Details: fmt.Sprintf(format, args...)}
}

// Checker checks HLS and DASH streams.
type Checker struct {
	client          *http.Client
	manifestTimeout time.Duration
	segmentTimeout  time.Duration
}

func NewChecker(manifestTimeout time.Duration, segmentTimeout time.Duration) *Checker {
	if manifestTimeout <= 0 {
		manifestTimeout = 10 * time.Second
	}
	if segmentTimeout <= 0 {
		segmentTimeout = 5 * time.Second
	}
	return &Checker{
		client:          &http.Client{},
		manifestTimeout: manifestTimeout,
		segmentTimeout:  segmentTimeout,
	}
}

// Check never fails; every problem with the stream is reported as an
// Unhealthy result.
func (c *Checker) Check(ctx context.Context, manifestUrl string) Result {
	if len(manifestUrl) == 0 {
		return unhealthy("no manifest url provided")
	}
	base, err := url.Parse(manifestUrl)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return unhealthy("invalid manifest url %s", manifestUrl)
	}
	body, err := c.fetch(ctx, manifestUrl)
	if err != nil {
		logger.Warn("manifest fetch failed", zap.String("url", manifestUrl), zap.Error(err))
		return unhealthy("error fetching manifest: %v", err)
	}
	var res Result
	switch {
	case strings.HasSuffix(base.Path, ".m3u8"):
		res = c.checkHls(ctx, base, body)
	case strings.HasSuffix(base.Path, ".mpd"):
		res = checkDash(body)
	default:
		res = unhealthy("unsupported manifest format %s", manifestUrl)
	}
	logger.Info("stream health checked", zap.String("url", manifestUrl), zap.String("status", string(res.Status)), zap.String("details", res.Details))
	return res
}

func (c *Checker) fetch(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.manifestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
}

func (c *Checker) checkHls(ctx context.Context, base *url.URL, body []byte) Result {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	var (
		first    = true
		hasMedia bool
		segment  string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			if line != "#EXTM3U" {
				return unhealthy("invalid HLS manifest: missing #EXTM3U header")
			}
			first = false
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") || strings.HasPrefix(line, "#EXTINF") {
			hasMedia = true
			continue
		}
		if len(segment) == 0 && len(line) != 0 && !strings.HasPrefix(line, "#") {
			segment = line
		}
	}
	if first {
		return unhealthy("invalid HLS manifest: empty")
	}
	if !hasMedia {
		return unhealthy("invalid HLS manifest: no streams or segments")
	}
	if len(segment) == 0 {
		return healthy("HLS manifest is valid")
	}
	ref, err := url.Parse(segment)
	if err != nil {
		return unhealthy("invalid segment reference %s", segment)
	}
	target := base.ResolveReference(ref).String()
	if err := c.head(ctx, target); err != nil {
		return unhealthy("segment %s not accessible: %v", target, err)
	}
	return healthy("HLS stream is accessible")
}

func (c *Checker) head(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, c.segmentTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type mpd struct {
	XMLName xml.Name `xml:"MPD"`
	Periods []struct {
		AdaptationSets []struct {
			Representations []struct {
				Id string `xml:"id,attr"`
			} `xml:"Representation"`
		} `xml:"AdaptationSet"`
	} `xml:"Period"`
}

func checkDash(body []byte) Result {
	var m mpd
	if err := xml.Unmarshal(body, &m); err != nil {
		return unhealthy("invalid DASH manifest: %v", err)
	}
	if m.XMLName.Space != DASH_NAMESPACE {
		return unhealthy("invalid DASH manifest: unexpected namespace %q", m.XMLName.Space)
	}
	if len(m.Periods) == 0 {
		return unhealthy("invalid DASH manifest: no Period")
	}
	for _, p := range m.Periods {
		for _, as := range p.AdaptationSets {
			if len(as.Representations) != 0 {
				return healthy("DASH manifest is valid")
			}
		}
	}
	return unhealthy("invalid DASH manifest: no AdaptationSet with a Representation")
}
