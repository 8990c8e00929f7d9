package invoker

import (
	"context"
	"time"
)

// RegisterBuiltins registers the built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Handler{
		&EchoHandler{},
		&SleepHandler{},
		NewHTTPRequestHandler(httpCfg),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// --- Param helpers used by all handler files ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

// --- EchoHandler ---

// EchoHandler implements the "echo" prompt: it returns its input unchanged.
// Useful for dry runs and for exercising mapping semantics end to end.
type EchoHandler struct{}

func (*EchoHandler) Name() string        { return "echo" }
func (*EchoHandler) Description() string { return "Return the mapped input unchanged." }

func (*EchoHandler) Invoke(_ context.Context, input map[string]any) (map[string]any, error) {
	return input, nil
}

// --- SleepHandler ---

// SleepHandler implements the "sleep" prompt: it waits for the requested
// duration, honoring cancellation. Used to exercise timeout and cancel paths.
type SleepHandler struct{}

func (*SleepHandler) Name() string        { return "sleep" }
func (*SleepHandler) Description() string { return "Wait for the given duration." }

func (*SleepHandler) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	raw := stringParam(input, "duration", "1s")
	d, err := time.ParseDuration(raw)
	if err != nil {
		d = time.Second
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"slept": d.String()}, nil
}
