package invoker

import (
	"errors"
	"strings"
	"time"

	"github.com/morezero/fitable-broker/pkg/failure"
	"github.com/morezero/fitable-broker/pkg/registry"
)

// Outcome labels.
const (
	OutcomeOK            = "ok"
	OutcomeBusinessError = "business_error"
)

// Observer receives one notification per completed invocation.
type Observer interface {
	ObserveInvocation(contract registry.ContractID, impl registry.ImplementationID, transport, outcome string, elapsed time.Duration)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(contract registry.ContractID, impl registry.ImplementationID, transport, outcome string, elapsed time.Duration)

func (f ObserverFunc) ObserveInvocation(contract registry.ContractID, impl registry.ImplementationID, transport, outcome string, elapsed time.Duration) {
	f(contract, impl, transport, outcome, elapsed)
}

// Outcome classifies err into a low-cardinality label: "ok", the lower-cased
// failure kind, or "business_error" for anything raised by an implementation.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return strings.ToLower(string(fe.Kind))
	}
	return OutcomeBusinessError
}
