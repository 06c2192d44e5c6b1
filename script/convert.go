package script

import (
	"github.com/risor-io/risor/object"
)

// convertObject converts a Risor object to a plain Go value.
func convertObject(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		var result []any
		for _, item := range o.Value() {
			result = append(result, convertObject(item))
		}
		return result
	case *object.Set:
		var result []any
		for _, item := range o.Value() {
			result = append(result, convertObject(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any)
		for key, value := range o.Value() {
			result[key] = convertObject(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}
