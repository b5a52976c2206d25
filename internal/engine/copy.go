package engine

// cloneInfo deep-copies task metadata so later mutation by the caller does
// not reach the queued task. Maps and slices are copied recursively; other
// values (strings, numbers, pointers) are shared.
func cloneInfo(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneInfo(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case map[string]string:
		out := make(map[string]string, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	default:
		return v
	}
}
