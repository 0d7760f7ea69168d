package marshaller

import "github.com/procflow/procflow/pkg/models"

// Context scopes one marshal or unmarshal call: the process reference, the
// read-only flag, the envelope format version and the active strategies,
// plus free-form properties. Contexts live for exactly one call and are
// never retained.
type Context struct {
	Process       *models.ProcessDefinition
	ReadOnly      bool
	FormatVersion uint16

	strategies []ObjectMarshallerStrategy
	props      map[string]any
}

func newWriterContext(def *models.ProcessDefinition, strategies []ObjectMarshallerStrategy) *Context {
	return &Context{
		Process:       def,
		FormatVersion: formatVersion,
		strategies:    strategies,
		props:         make(map[string]any),
	}
}

func newReaderContext(def *models.ProcessDefinition, readOnly bool, strategies []ObjectMarshallerStrategy) *Context {
	return &Context{
		Process:       def,
		ReadOnly:      readOnly,
		FormatVersion: formatVersion,
		strategies:    strategies,
		props:         make(map[string]any),
	}
}

// SetProperty stores a call-scoped property.
func (c *Context) SetProperty(key string, value any) {
	c.props[key] = value
}

// Property reads a call-scoped property.
func (c *Context) Property(key string) (any, bool) {
	v, ok := c.props[key]

	return v, ok
}
