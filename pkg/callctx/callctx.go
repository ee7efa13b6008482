// Package callctx carries caller identity and tenancy through every broker call.
//
// A CallContext is immutable. Each field is either defined (possibly as the
// empty string) or undefined, and the two states survive serialization: the
// JSON form omits undefined fields and keeps defined empty ones.
package callctx

import (
	"encoding/json"
	"fmt"
)

// Field is an optional string value that distinguishes "not set" from "".
type Field struct {
	value   string
	defined bool
}

// Defined returns a defined Field holding v.
func Defined(v string) Field {
	return Field{value: v, defined: true}
}

// Undefined returns the undefined marker.
func Undefined() Field {
	return Field{}
}

// IsDefined reports whether the field was set.
func (f Field) IsDefined() bool {
	return f.defined
}

// Get returns the value and whether it was defined.
func (f Field) Get() (string, bool) {
	return f.value, f.defined
}

// Or returns the value when defined, def otherwise.
func (f Field) Or(def string) string {
	if f.defined {
		return f.value
	}
	return def
}

func (f Field) String() string {
	if !f.defined {
		return "<undefined>"
	}
	return f.value
}

// CallContext is the propagated {operator, operatorIp, tenantId, sourcePlatform} tuple.
type CallContext struct {
	operator       Field
	operatorIP     Field
	tenantID       Field
	sourcePlatform Field
}

// Empty returns a context with every field undefined, for system-originated calls.
func Empty() CallContext {
	return CallContext{}
}

func (c CallContext) Operator() Field       { return c.operator }
func (c CallContext) OperatorIP() Field     { return c.operatorIP }
func (c CallContext) TenantID() Field       { return c.tenantID }
func (c CallContext) SourcePlatform() Field { return c.sourcePlatform }

// IsEmpty reports whether no field is defined.
func (c CallContext) IsEmpty() bool {
	return !c.operator.defined && !c.operatorIP.defined && !c.tenantID.defined && !c.sourcePlatform.defined
}

func (c CallContext) String() string {
	return fmt.Sprintf("operator=%s operatorIp=%s tenantId=%s sourcePlatform=%s",
		c.operator, c.operatorIP, c.tenantID, c.sourcePlatform)
}

// Builder assembles a CallContext. The zero Builder is ready to use.
type Builder struct {
	c CallContext
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Operator(v string) *Builder {
	b.c.operator = Defined(v)
	return b
}

func (b *Builder) OperatorIP(v string) *Builder {
	b.c.operatorIP = Defined(v)
	return b
}

func (b *Builder) TenantID(v string) *Builder {
	b.c.tenantID = Defined(v)
	return b
}

func (b *Builder) SourcePlatform(v string) *Builder {
	b.c.sourcePlatform = Defined(v)
	return b
}

// Build returns the assembled context. The Builder may be reused; later
// changes do not affect contexts already built.
func (b *Builder) Build() CallContext {
	return b.c
}

// wireContext is the transport form. Pointer fields encode the undefined state as absence.
type wireContext struct {
	Operator       *string `json:"operator,omitempty"`
	OperatorIP     *string `json:"operatorIp,omitempty"`
	TenantID       *string `json:"tenantId,omitempty"`
	SourcePlatform *string `json:"sourcePlatform,omitempty"`
}

func fieldPtr(f Field) *string {
	if !f.defined {
		return nil
	}
	v := f.value
	return &v
}

func ptrField(p *string) Field {
	if p == nil {
		return Undefined()
	}
	return Defined(*p)
}

// MarshalJSON implements json.Marshaler.
func (c CallContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireContext{
		Operator:       fieldPtr(c.operator),
		OperatorIP:     fieldPtr(c.operatorIP),
		TenantID:       fieldPtr(c.tenantID),
		SourcePlatform: fieldPtr(c.sourcePlatform),
	})
}

// UnmarshalJSON implements json.Unmarshaler. A JSON null field is treated as undefined.
func (c *CallContext) UnmarshalJSON(data []byte) error {
	var w wireContext
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = CallContext{
		operator:       ptrField(w.Operator),
		operatorIP:     ptrField(w.OperatorIP),
		tenantID:       ptrField(w.TenantID),
		sourcePlatform: ptrField(w.SourcePlatform),
	}
	return nil
}
