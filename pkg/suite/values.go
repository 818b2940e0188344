package suite

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/convergence/pkg/engine"
)

// toStarlarkValue converts a decoded Go value to a frozen Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		return stringList(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func stringList(items []string) *starlark.List {
	list := make([]starlark.Value, len(items))
	for i, s := range items {
		list[i] = starlark.String(s)
	}
	return starlark.NewList(list)
}

// runGlobals builds the read-only view of a run that suites see.
func runGlobals(run *engine.PipelineRun) (starlark.StringDict, error) {
	var configs []starlark.Value
	for _, cfg := range run.Configurations() {
		params, err := toStarlarkValue(cfg.Parameters)
		if err != nil {
			return nil, fmt.Errorf("configuration %s parameters: %w", cfg.Name, err)
		}
		configs = append(configs, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":         starlark.String(cfg.Name),
			"environments": stringList(cfg.Environments),
			"imports":      stringList(cfg.Imports),
			"parameters":   params,
			"source":       starlark.String(cfg.Source),
		}))
	}

	var modules []starlark.Value
	for _, m := range run.Modules() {
		modules = append(modules, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":    starlark.String(m.Name),
			"version": starlark.String(m.Version),
			"source":  starlark.String(m.Source),
		}))
	}

	var instances []starlark.Value
	for _, inst := range run.Instances() {
		instances = append(instances, starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"name":          starlark.String(inst.Name),
			"id":            starlark.String(inst.ID),
			"configuration": starlark.String(inst.Configuration),
			"environment":   starlark.String(inst.Environment),
			"address":       starlark.String(inst.Address),
		}))
	}

	globals := starlark.StringDict{
		"struct":         starlark.NewBuiltin("struct", starlarkstruct.Make),
		"configurations": starlark.NewList(configs),
		"modules":        starlark.NewList(modules),
		"instances":      starlark.NewList(instances),
		"run": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"id":         starlark.String(run.ID),
			"build_root": starlark.String(run.BuildRoot),
			"account_id": starlark.String(run.AccountID),
		}),
	}
	globals.Freeze()
	return globals, nil
}
