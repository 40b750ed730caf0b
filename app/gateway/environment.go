package gateway

import (
	"fmt"
	"strconv"
	"strings"
)

type Environment int32

const (
	EnvironmentSandbox Environment = iota + 1
	EnvironmentStaging
	EnvironmentProduction
	EnvironmentTemp
)

// Sandbox and staging customers share one id namespace; temp customers are
// stored without a prefix.
func (e Environment) NamespaceCode() string {
	switch e {
	case EnvironmentSandbox, EnvironmentStaging:
		return "stg"
	case EnvironmentProduction:
		return "prd"
	default:
		return ""
	}
}

func (e Environment) String() string {
	switch e {
	case EnvironmentSandbox:
		return "sandbox"
	case EnvironmentStaging:
		return "staging"
	case EnvironmentProduction:
		return "production"
	case EnvironmentTemp:
		return "temp"
	default:
		return "unknown"
	}
}

func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sandbox":
		return EnvironmentSandbox, nil
	case "staging":
		return EnvironmentStaging, nil
	case "production":
		return EnvironmentProduction, nil
	case "temp":
		return EnvironmentTemp, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrEnvironmentInvalid, raw)
	}
}

// NamespaceCustomerID formats an internal customer id for the subscription
// API by prefixing the environment's namespace code.
func (e Environment) NamespaceCustomerID(internalID int64) string {
	return e.NamespaceCode() + strconv.FormatInt(internalID, 10)
}

// DenamespaceCustomerID is the exact inverse of NamespaceCustomerID: it
// strips the namespace code and parses the remainder.
func (e Environment) DenamespaceCustomerID(externalID string) (int64, error) {
	rest, ok := strings.CutPrefix(externalID, e.NamespaceCode())
	if !ok {
		return 0, fmt.Errorf("customer id %q does not carry namespace %q", externalID, e.NamespaceCode())
	}
	internalID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("customer id %q is not namespaced numeric: %w", externalID, err)
	}
	return internalID, nil
}
