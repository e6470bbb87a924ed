package dispatcher

import (
	"context"

	"github.com/cuemby/brine/pkg/master"
	"github.com/cuemby/brine/pkg/payload"
	"github.com/cuemby/brine/pkg/security"
)

// DefaultAESFuncs returns the handlers every master serves to
// authenticated minions
func DefaultAESFuncs(reg *master.Registry) Funcs {
	return Funcs{
		"test.ping": func(ctx context.Context, load payload.Load) (any, error) {
			return true, nil
		},
		"_session": func(ctx context.Context, load payload.Load) (any, error) {
			set := reg.SessionKeys()
			return map[string]any{
				"master":     reg.Config().ID,
				"session_id": security.SessionID(set.Current),
				"epoch":      set.Epoch,
			}, nil
		},
	}
}
