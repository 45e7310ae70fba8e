// Package httpclient is a protocol that polls HTTP endpoints for attribute
// values and sends attribute writes as HTTP requests.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"agent-gateway/internal/convert"
	"agent-gateway/internal/model"
	"agent-gateway/internal/protocol"
	"agent-gateway/internal/scheduler"
	"agent-gateway/internal/status"
)

// Name is the protocol kind.
const Name = "http"

const (
	defaultTimeout     = 10 * time.Second
	minPollingInterval = 100 * time.Millisecond
	maxBody            = 1 << 20

	breakerFailures uint32 = 5
	breakerTimeout         = 30 * time.Second
)

// Protocol is the HTTP client protocol instance for one agent.
type Protocol struct {
	protocol.Base

	client  *http.Client
	base    *url.URL
	header  http.Header
	breaker *gobreaker.CircuitBreaker[*response]
	call    func(func(*protocol.Scope)) bool
	pollers map[model.AttributeRef]*poller
}

type poller struct {
	req      request
	every    time.Duration
	handle   scheduler.Handle
	inflight bool
}

type request struct {
	method string
	path   string
	body   []byte
}

type response struct {
	code int
	body []byte
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("http status %d", e.Code) }

// New creates an HTTP client protocol. Required config: baseURL. Optional:
// headers (map), timeoutMillis.
func New(agent *model.Agent) (protocol.Protocol, error) {
	return &Protocol{pollers: make(map[model.AttributeRef]*poller)}, nil
}

func (p *Protocol) Name() string { return Name }

func (p *Protocol) Start(s *protocol.Scope) error {
	agent := s.Agent()
	u, err := url.Parse(agent.ConfigString("baseURL", ""))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: baseURL must be an http(s) URL", protocol.ErrConfiguration)
	}
	p.base = u
	p.header = http.Header{}
	if _, ok := agent.Config["headers"]; ok {
		var headers map[string]string
		if err := agent.ConfigDecode("headers", &headers); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrConfiguration, err)
		}
		for k, v := range headers {
			p.header.Set(k, v)
		}
	}
	timeout := time.Duration(agent.ConfigInt("timeoutMillis", 0)) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p.client = &http.Client{Timeout: timeout}

	logger := s.Logger()
	p.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        s.Name(),
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.call = s.Callback()
	return nil
}

func (p *Protocol) Stop(s *protocol.Scope) error {
	for ref, pl := range p.pollers {
		if pl.handle != nil {
			pl.handle.Cancel()
		}
		delete(p.pollers, ref)
	}
	return nil
}

func (p *Protocol) Connect(s *protocol.Scope) error {
	s.SetStatus(status.Connected)
	return nil
}

// LinkAttribute starts polling when the attribute has pollingMillis meta.
func (p *Protocol) LinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	raw, ok := attr.MetaValue(model.MetaPollingMillis)
	if !ok {
		return nil
	}
	ms, ok := model.ToFloat(raw)
	if !ok {
		return fmt.Errorf("pollingMillis must be a number")
	}
	every := max(time.Duration(ms)*time.Millisecond, minPollingInterval)

	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}
	pl := &poller{
		req:   request{method: methodOf(attr, http.MethodGet), path: attr.MetaString(model.MetaHTTPPath)},
		every: every,
	}
	p.pollers[ref] = pl
	pl.handle = s.Submit(func(s *protocol.Scope) { p.poll(s, ref, pl) })
	return nil
}

func (p *Protocol) UnlinkAttribute(s *protocol.Scope, asset *model.Asset, attr *model.Attribute) error {
	ref := model.AttributeRef{EntityID: asset.ID, Name: attr.Name}
	if pl, ok := p.pollers[ref]; ok {
		if pl.handle != nil {
			pl.handle.Cancel()
		}
		delete(p.pollers, ref)
	}
	return nil
}

func (p *Protocol) poll(s *protocol.Scope, ref model.AttributeRef, pl *poller) {
	if p.pollers[ref] != pl {
		return
	}
	pl.handle = nil
	if pl.inflight {
		pl.handle = s.Schedule(func(s *protocol.Scope) { p.poll(s, ref, pl) }, pl.every)
		return
	}
	pl.inflight = true
	p.send(s, pl.req, func(s *protocol.Scope, resp *response, err error) {
		pl.inflight = false
		if p.pollers[ref] != pl {
			return
		}
		if err != nil {
			s.Logger().Warn("http poll failed", "attribute", ref, "err", err)
		} else {
			s.UpdateLinkedAttribute(model.AttributeState{Ref: ref, Value: string(resp.body)}, time.Time{})
		}
		pl.handle = s.Schedule(func(s *protocol.Scope) { p.poll(s, ref, pl) }, pl.every)
	})
}

// WriteAttribute sends value as the request body. httpPath may contain the
// {$value} placeholder. The default method is POST.
func (p *Protocol) WriteAttribute(s *protocol.Scope, attr *model.Attribute, ev model.AttributeEvent, value any) error {
	req := request{
		method: methodOf(attr, http.MethodPost),
		path:   attr.MetaString(model.MetaHTTPPath),
	}
	if strings.Contains(req.path, convert.Placeholder) {
		req.path = strings.ReplaceAll(req.path, convert.Placeholder, url.PathEscape(model.ValueString(value)))
	}
	if value != nil && req.method != http.MethodGet {
		req.body = []byte(model.ValueString(value))
	}
	ref := ev.Ref()
	p.send(s, req, func(s *protocol.Scope, _ *response, err error) {
		if err != nil {
			s.Logger().Warn("http write failed", "attribute", ref, "err", err)
		}
	})
	return nil
}

// send performs req off the adapter lock and delivers the result to done
// with the lock held.
func (p *Protocol) send(s *protocol.Scope, req request, done func(*protocol.Scope, *response, error)) {
	target := p.resolve(req.path)
	header := p.header.Clone()
	ctx := s.Context()
	client, breaker, call := p.client, p.breaker, p.call

	go func() {
		resp, err := breaker.Execute(func() (*response, error) {
			return do(ctx, client, req.method, target, header, req.body)
		})
		call(func(s *protocol.Scope) {
			switch {
			case err == nil:
				if s.Status() != status.Connected {
					s.SetStatus(status.Connected)
				}
			case errors.Is(err, gobreaker.ErrOpenState):
				s.SetStatus(status.Error)
			}
			done(s, resp, err)
		})
	}()
}

func (p *Protocol) resolve(path string) string {
	if path == "" {
		return p.base.String()
	}
	ref, err := url.Parse(path)
	if err != nil || ref.IsAbs() {
		return path
	}
	return strings.TrimSuffix(p.base.String(), "/") + "/" + strings.TrimPrefix(path, "/")
}

func do(ctx context.Context, client *http.Client, method, target string, header http.Header, body []byte) (*response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	req.Header = header
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return &response{code: resp.StatusCode, body: data}, nil
}

func methodOf(attr *model.Attribute, def string) string {
	if m := attr.MetaString(model.MetaHTTPMethod); m != "" {
		return strings.ToUpper(m)
	}
	return def
}
