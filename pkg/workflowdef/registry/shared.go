package registry

import (
	"context"
	"maps"
	"slices"
	"strconv"
)

// Qualified names of the shared helpers.
const (
	SharedModule = "python_workflow_definition.shared"
	GetDictName  = SharedModule + ".get_dict"
	GetListName  = SharedModule + ".get_list"
)

// RegisterShared adds GetDict and GetList under their qualified names.
func RegisterShared(f *Functions) error {
	return f.RegisterModule(SharedModule, map[string]Func{
		"get_dict": GetDict,
		"get_list": GetList,
	})
}

// GetDict returns its keyword arguments as a mapping.
func GetDict(_ context.Context, kwargs map[string]any) (any, error) {
	return maps.Clone(kwargs), nil
}

// GetList returns its keyword argument values as a list.
//
// Parameters are ordered numerically when every name is an integer
// ("0", "1", ..., "10") and lexically otherwise.
func GetList(_ context.Context, kwargs map[string]any) (any, error) {
	keys := slices.Collect(maps.Keys(kwargs))
	if idx, ok := integerKeys(keys); ok {
		slices.SortFunc(keys, func(a, b string) int { return idx[a] - idx[b] })
	} else {
		slices.Sort(keys)
	}

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, kwargs[k])
	}
	return out, nil
}

func integerKeys(keys []string) (map[string]int, bool) {
	idx := make(map[string]int, len(keys))
	for _, k := range keys {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, false
		}
		idx[k] = n
	}
	return idx, true
}
