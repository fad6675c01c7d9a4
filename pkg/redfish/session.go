// Package redfish drives a BMC's Redfish service: session login, the
// characterization/disk-selection/action verbs, and the full per-node init
// sequence that takes a freshly discovered host from power-off to a
// PXE-booted installer. Grounded throughout on
// original_source/.../lib/redfish.py.
package redfish

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parallelvirtualcluster/bootstrapd/pkg/bootstraperr"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/log"
	"github.com/parallelvirtualcluster/bootstrapd/pkg/metrics"
)

// ErrSessionFailed is returned when login retries are exhausted.
var ErrSessionFailed = fmt.Errorf("redfish session login failed")

// Session is an authenticated Redfish HTTP session against one BMC.
type Session struct {
	Address  string
	client   *http.Client
	username string
	password string
}

// extendedInfo mirrors the Redfish "error" object's @Message.ExtendedInfo
// array, used to surface a human-readable reason on non-2xx responses.
type extendedInfo struct {
	Error struct {
		ExtendedInfo []struct {
			Message    string `json:"Message"`
			Resolution string `json:"Resolution"`
			Severity   string `json:"Severity"`
			MessageID  string `json:"MessageId"`
		} `json:"@Message.ExtendedInfo"`
	} `json:"error"`
}

// NewSession opens a Redfish session against address, retrying login up to
// 60 times with a 2s delay between attempts, matching
// original_source's RedfishSession retry loop (a BMC can take minutes to
// come up after a power cycle). It returns ErrSessionFailed after
// exhausting retries, rather than leaving a sentinel "failed" session for
// the caller to check, as the idiomatic Go error-return equivalent of the
// Python session.host=None convention.
func NewSession(ctx context.Context, address, username, password string) (*Session, error) {
	s := &Session{
		Address: address,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		username: username,
		password: password,
	}

	logger := log.WithComponent("redfish")
	const maxTries = 60
	for try := 0; try < maxTries; try++ {
		if _, err := s.Get(ctx, "/redfish/v1"); err == nil {
			metrics.RedfishSessionsTotal.WithLabelValues("ok").Inc()
			return s, nil
		}
		select {
		case <-ctx.Done():
			metrics.RedfishSessionsTotal.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
		logger.Debug().Str("bmc", address).Int("try", try).Msg("retrying redfish session login")
	}

	metrics.RedfishSessionsTotal.WithLabelValues("failed").Inc()
	return nil, &bootstraperr.RedfishError{BMCAddress: address, Op: "login", Err: ErrSessionFailed}
}

// Close does nothing. Requests from this daemon carry HTTP basic auth
// per-request rather than a stateful session token, so there is no session
// to log out of; Close exists so callers can defer it.
func (s *Session) Close() {}

func (s *Session) do(ctx context.Context, method, path string, body any) (map[string]any, int, error) {
	url := fmt.Sprintf("https://%s%s", s.Address, path)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ei extendedInfo
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if json.Unmarshal(data, &ei) == nil && len(ei.Error.ExtendedInfo) > 0 {
			msg = ei.Error.ExtendedInfo[0].Message
		}
		log.WithComponent("redfish").Warn().Str("bmc", s.Address).Str("path", path).Str("reason", msg).Msg("redfish request failed")
		return nil, resp.StatusCode, fmt.Errorf("%s: %s", path, msg)
	}

	if len(data) == 0 {
		return nil, resp.StatusCode, nil
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response body: %w", err)
	}
	return out, resp.StatusCode, nil
}

// Get issues a GET and returns the decoded JSON object. A non-2xx response
// or an undecodable body returns nil and an error; non-2xx responses are
// also logged at warn.
func (s *Session) Get(ctx context.Context, path string) (map[string]any, error) {
	out, _, err := s.do(ctx, http.MethodGet, path, nil)
	return out, err
}

// Post issues a POST with a JSON body.
func (s *Session) Post(ctx context.Context, path string, body any) (map[string]any, error) {
	out, _, err := s.do(ctx, http.MethodPost, path, body)
	return out, err
}

// Patch issues a PATCH with a JSON body.
func (s *Session) Patch(ctx context.Context, path string, body any) (map[string]any, error) {
	out, _, err := s.do(ctx, http.MethodPatch, path, body)
	return out, err
}

// Delete issues a DELETE.
func (s *Session) Delete(ctx context.Context, path string) error {
	_, _, err := s.do(ctx, http.MethodDelete, path, nil)
	return err
}

// CheckRedfish polls /redfish/v1 up to 30 times with a 10s timeout each,
// returning true once the service answers with HTTP 200. It's used before
// committing to a full init sequence, to distinguish Redfish-capable BMCs
// from ones that need the legacy (non-Redfish) path.
func CheckRedfish(ctx context.Context, address string) bool {
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}

	for try := 0; try < 30; try++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s/redfish/v1", address), nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return true
				}
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(10 * time.Second):
		}
	}
	return false
}
