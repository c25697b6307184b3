package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "github.com/muxden/muxden/internal/common/errors"
	"github.com/muxden/muxden/internal/common/tracing"
	"github.com/muxden/muxden/internal/ids"
)

// activityInterval is how often open --wait --active records activity.
const activityInterval = 5 * time.Second

// ListOptions filters the agent listing.
type ListOptions struct {
	Provider string // restrict to one provider instance
}

// ListResult is the listing with per-provider failures; partial success is
// the norm when a remote provider is down.
type ListResult struct {
	Agents []AgentInfo `json:"agents"`
	Errors []string    `json:"errors,omitempty"`
}

// List returns every agent across all reachable providers and hosts.
func (e *Engine) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.list")
	defer span.End()

	result := &ListResult{}
	insts, errs := e.Instances()
	result.Errors = append(result.Errors, errs...)

	for _, inst := range insts {
		if opts.Provider != "" && string(inst.Name()) != opts.Provider {
			continue
		}
		hosts, err := inst.ListHosts(ctx, e.group, false)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("provider %s: %v", inst.Name(), err))
			continue
		}
		for _, h := range hosts {
			store, online, err := e.storeFor(ctx, inst, h)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("host %s: %v", h.Name(), err))
				continue
			}
			records, err := store.ListAgents(ctx)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("host %s: %v", h.Name(), err))
				continue
			}
			for i := range records {
				loc := &location{inst: inst, host: h, online: online, store: store, rec: &records[i]}
				result.Agents = append(result.Agents, e.agentInfo(ctx, loc))
			}
		}
	}

	sort.Slice(result.Agents, func(i, j int) bool {
		return result.Agents[i].Name < result.Agents[j].Name
	})
	return result, nil
}

// TranscriptResult carries the agent's transcript and where it lives.
type TranscriptResult struct {
	Content string `json:"content"`
	Path    string `json:"session_file_path"`
}

// Transcript returns the agent's transcript log.
func (e *Engine) Transcript(ctx context.Context, ref string) (*TranscriptResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.transcript",
		attribute.String("agent_ref", ref))
	defer span.End()

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	transcriptPath := path.Join("logs", "transcript.jsonl")
	raw, err := loc.store.AgentVolume(loc.rec.ID).ReadFile(ctx, transcriptPath)
	if err != nil {
		return nil, apperrors.State(fmt.Sprintf("agent %q has no transcript yet", loc.rec.Name))
	}
	return &TranscriptResult{
		Content: string(raw),
		Path:    path.Join(e.cfg.HostDir(), "agents", loc.rec.ID, transcriptPath),
	}, nil
}

// serverReport is one self-report line a running agent appends to
// logs/servers.jsonl.
type serverReport struct {
	Server string `json:"server"`
	URL    string `json:"url"`
}

// ingestServerReports reads the agent's servers.jsonl and materializes
// status/urls/<name> files, last report per server winning. Malformed lines
// are skipped.
func (e *Engine) ingestServerReports(ctx context.Context, loc *location) (map[string]string, error) {
	vol := loc.store.AgentVolume(loc.rec.ID)
	raw, err := vol.ReadFile(ctx, path.Join("logs", "servers.jsonl"))
	if err != nil {
		return map[string]string{}, nil
	}

	urls := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var report serverReport
		if err := json.Unmarshal([]byte(line), &report); err != nil || report.Server == "" || report.URL == "" {
			e.logger.Debug("skipping malformed server report", zap.String("line", line))
			continue
		}
		urls[report.Server] = report.URL
	}

	files := make(map[string][]byte, len(urls))
	for name, u := range urls {
		files[path.Join("status", "urls", name)] = []byte(u + "\n")
	}
	if len(files) > 0 {
		if err := vol.WriteFiles(ctx, files); err != nil {
			return urls, err
		}
	}
	return urls, nil
}

// OpenOptions tunes the open façade.
type OpenOptions struct {
	// Wait blocks until cancellation after resolving the URL.
	Wait bool
	// Active additionally records activity every 5 seconds while waiting.
	Active bool
}

// OpenResult is the resolved URL for an agent's web service.
type OpenResult struct {
	Server string `json:"server"`
	URL    string `json:"url"`
}

// Open resolves the URL of one of the agent's self-reported servers and
// registers it with the proxy's backend registry.
func (e *Engine) Open(ctx context.Context, ref, urlType string, opts OpenOptions) (*OpenResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.open",
		attribute.String("agent_ref", ref),
		attribute.String("url_type", urlType))
	defer span.End()

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}
	urls, err := e.ingestServerReports(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, apperrors.State(fmt.Sprintf("agent %q has not reported any server yet", loc.rec.Name))
	}

	server, target, err := pickServerURL(urls, urlType)
	if err != nil {
		return nil, err
	}
	if err := e.resolver.RegisterBackend(loc.rec.ID, target); err != nil {
		e.logger.Warn("registering backend url", zap.Error(err))
	}

	if opts.Wait {
		e.waitOpen(ctx, loc, opts.Active)
	}
	return &OpenResult{Server: server, URL: target}, nil
}

func pickServerURL(urls map[string]string, urlType string) (string, string, error) {
	if urlType != "" {
		u, ok := urls[urlType]
		if !ok {
			return "", "", apperrors.UserInput("no server named %q; known: %s",
				urlType, strings.Join(sortedKeys(urls), ", "))
		}
		return urlType, u, nil
	}
	names := sortedKeys(urls)
	if len(names) == 1 {
		return names[0], urls[names[0]], nil
	}
	return "", "", apperrors.UserInput("agent reports %d servers, pick one of: %s",
		len(names), strings.Join(names, ", "))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// waitOpen blocks until cancellation, optionally recording activity on the
// 5-second cadence the attach wrapper uses.
func (e *Engine) waitOpen(ctx context.Context, loc *location, active bool) {
	ticker := time.NewTicker(activityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.group.ShutdownEvent().Done():
			return
		case <-ticker.C:
			if !active {
				continue
			}
			payload := []byte(fmt.Sprintf("{\"time\":%q,\"ssh_pid\":0}\n",
				time.Now().UTC().Format(time.RFC3339)))
			if err := loc.store.TouchActivity(ctx, loc.rec.ID, payload); err != nil {
				e.logger.Debug("recording open activity", zap.Error(err))
			}
		}
	}
}

// PairResult carries the one-time login URL for an agent.
type PairResult struct {
	AgentID  string `json:"agent_id"`
	Code     string `json:"one_time_code"`
	LoginURL string `json:"login_url"`
}

// Pair mints a one-time code for the agent and returns the proxy login URL
// a browser follows exactly once.
func (e *Engine) Pair(ctx context.Context, ref string) (*PairResult, error) {
	ctx, span, _ := tracing.StartSpan(ctx, "engine.pair",
		attribute.String("agent_ref", ref))
	defer span.End()

	loc, err := e.findAgent(ctx, ref)
	if err != nil {
		return nil, err
	}

	// Best effort: make sure the proxy can route before the login lands.
	if urls, err := e.ingestServerReports(ctx, loc); err == nil && len(urls) > 0 {
		names := sortedKeys(urls)
		if err := e.resolver.RegisterBackend(loc.rec.ID, urls[names[0]]); err != nil {
			e.logger.Warn("registering backend url", zap.Error(err))
		}
	}

	code := ids.NewOneTimeCode()
	if err := e.authStore.AddOneTimeCode(loc.rec.ID, code); err != nil {
		return nil, apperrors.Wrap(err, "persisting one-time code")
	}

	query := url.Values{}
	query.Set("agent_id", loc.rec.ID)
	query.Set("one_time_code", code)
	loginURL := fmt.Sprintf("http://%s/login?%s", e.cfg.Proxy.Listen, query.Encode())

	e.logger.WithAgentID(loc.rec.ID).Info("one-time login issued",
		zap.String("name", loc.rec.Name))
	return &PairResult{AgentID: loc.rec.ID, Code: code, LoginURL: loginURL}, nil
}
