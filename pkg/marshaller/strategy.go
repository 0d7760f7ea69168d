package marshaller

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// ObjectMarshallerStrategy encodes variable values that need custom
// handling. Strategies are asked in priority order (lower first) whether
// they accept a value; the first that does wins. A value no strategy accepts
// is a MarshallingError.
type ObjectMarshallerStrategy interface {
	Name() string
	Priority() int
	Accepts(value any) bool
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// jsonStrategy is the built-in fallback: it accepts any value and encodes it
// as JSON. It sits at the lowest priority so custom strategies run first.
type jsonStrategy struct{}

func (jsonStrategy) Name() string          { return "json" }
func (jsonStrategy) Priority() int         { return 1 << 30 }
func (jsonStrategy) Accepts(value any) bool { return true }

func (jsonStrategy) Marshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (jsonStrategy) Unmarshal(data []byte) (any, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	return value, nil
}

func sortStrategies(strategies []ObjectMarshallerStrategy) []ObjectMarshallerStrategy {
	sorted := append([]ObjectMarshallerStrategy(nil), strategies...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	return sorted
}

func selectStrategy(strategies []ObjectMarshallerStrategy, value any) (ObjectMarshallerStrategy, error) {
	for _, s := range strategies {
		if s.Accepts(value) {
			return s, nil
		}
	}

	return nil, fmt.Errorf("no marshalling strategy accepts value of type %T", value)
}

func strategyByName(strategies []ObjectMarshallerStrategy, name string) (ObjectMarshallerStrategy, error) {
	for _, s := range strategies {
		if s.Name() == name {
			return s, nil
		}
	}

	return nil, fmt.Errorf("unknown marshalling strategy %q", name)
}
