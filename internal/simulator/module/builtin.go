package module

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// Definition describes a built-in module implementation.
type Definition struct {
	Name        string
	Description string
	Run         RunFunc
}

var builtins = map[string]Definition{
	config.ModuleFetchmail: {Name: config.ModuleFetchmail, Description: "fetchmail scenario", Run: Fetchmail},
	config.ModuleSendmail:  {Name: config.ModuleSendmail, Description: "sendmail scenario", Run: Sendmail},
}

// Lookup returns the built-in module called name.
func Lookup(name string) (Definition, bool) {
	d, ok := builtins[name]
	return d, ok
}

// FromScenarios builds a registry from scenarios in order. An unknown module
// is an error. A duplicate name is logged and skipped, and the registry is
// still returned.
func FromScenarios(scenarios []config.ScenarioConfig, opts Options) (*Registry, error) {
	reg := NewRegistry(NewCleanup(), opts)

	var errs []error
	for i := range scenarios {
		sc := &scenarios[i]
		def, ok := Lookup(sc.ModuleName())
		if !ok {
			return nil, fmt.Errorf("scenario %s: unknown module %q", sc.Name, sc.ModuleName())
		}

		desc := sc.Description
		if desc == "" {
			desc = def.Description
		}
		m := New(sc.Name, desc, sc.Repeat, def.Run)
		m.Scenario = sc
		m.Cases = sc.Cases

		if err := reg.Register(m); err != nil {
			reg.logger.Warn("module not registered", zap.String("module", sc.Name), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return reg, errors.Join(errs...)
}
