package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithActions records only the listed actions; the rest are dropped before
// reaching the Recorder. Names not in AllActions match nothing.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.only = make(map[string]struct{}, len(actions))
		for _, a := range actions {
			e.only[a] = struct{}{}
		}
	}
}

// WithLogger sets where Recorder failures are reported.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}
