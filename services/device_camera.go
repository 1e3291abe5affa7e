package services

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/models"
)

// DeviceCamera triggers snapshots on an ISAPI network camera over HTTP
// Digest authentication.
type DeviceCamera struct {
	baseURL  string
	username string
	password string
	channel  int
	client   *http.Client
}

func NewDeviceCamera(cfg config.DeviceSettings, timeout time.Duration) *DeviceCamera {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}
	channel := cfg.Channel
	if channel < 1 {
		channel = 1
	}
	return &DeviceCamera{
		baseURL:  fmt.Sprintf("%s://%s", scheme, cfg.Host),
		username: cfg.Username,
		password: cfg.Password,
		channel:  channel,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
			},
		},
	}
}

// Snapshot fetches a JPEG still from the configured channel.
func (c *DeviceCamera) Snapshot(ctx context.Context) (*models.CaptureFrame, error) {
	url := fmt.Sprintf("%s/ISAPI/Streaming/channels/%d01/picture", c.baseURL, c.channel)
	resp, err := c.doDigest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot request: %v", ErrCaptureUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: snapshot returned %d", ErrCaptureUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading snapshot: %v", ErrCaptureUnavailable, err)
	}
	frame, err := FrameFromImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return frame, nil
}

// Ping checks if the device is reachable. Any HTTP response counts.
func (c *DeviceCamera) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ISAPI/System/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// doDigest performs a bodiless request, answering a Digest challenge if
// the device sends one.
func (c *DeviceCamera) doDigest(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	authHeader := resp.Header.Get("WWW-Authenticate")
	if authHeader == "" {
		return nil, fmt.Errorf("no WWW-Authenticate header in 401 response")
	}

	req2, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req2.Header.Set("Authorization", digestAuthorization(parseDigestChallenge(authHeader),
		c.username, c.password, method, urlPath(url), fmt.Sprintf("%08x", rand.Int31())))
	return c.client.Do(req2)
}

func digestAuthorization(params map[string]string, username, password, method, uri, cnonce string) string {
	realm := params["realm"]
	nonce := params["nonce"]
	qop := params["qop"]

	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	nc := "00000001"

	useQop := offersQop(qop, "auth")
	var response string
	if useQop {
		response = md5Hex(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, nonce, nc, cnonce, "auth", ha2))
	} else {
		response = md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
	}

	value := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		username, realm, nonce, uri, response,
	)
	if useQop {
		value += fmt.Sprintf(`, qop=auth, nc=%s, cnonce="%s"`, nc, cnonce)
	}
	if opaque, ok := params["opaque"]; ok {
		value += fmt.Sprintf(`, opaque="%s"`, opaque)
	}
	return value
}

// parseDigestChallenge reads the key=value pairs of a WWW-Authenticate
// Digest header. Commas inside quoted values do not split pairs.
func parseDigestChallenge(header string) map[string]string {
	params := make(map[string]string)
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "Digest"))
	for header != "" {
		eq := strings.IndexByte(header, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(strings.TrimLeft(header[:eq], ", "))
		rest := strings.TrimLeft(header[eq+1:], " ")

		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				val, rest = rest[1:], ""
			} else {
				val, rest = rest[1:end+1], rest[end+2:]
			}
		} else if comma := strings.IndexByte(rest, ','); comma >= 0 {
			val, rest = strings.TrimSpace(rest[:comma]), rest[comma:]
		} else {
			val, rest = strings.TrimSpace(rest), ""
		}
		if key != "" {
			params[key] = val
		}
		header = strings.TrimLeft(rest, ", ")
	}
	return params
}

// offersQop reports whether qop, a comma-separated list, contains want.
func offersQop(qop, want string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == want {
			return true
		}
	}
	return false
}

func md5Hex(s string) string {
	h := md5.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func urlPath(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx >= 0 {
		rest := rawURL[idx+3:]
		slash := strings.IndexByte(rest, '/')
		if slash >= 0 {
			return rest[slash:]
		}
	}
	return rawURL
}
