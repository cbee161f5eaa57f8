package prob

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sre-norns/verdandi/pkg/wyrd"
)

var (
	ErrNilRunner = fmt.Errorf("prob run function is nil")
	ErrNoTarget  = fmt.Errorf("empty prob.target value")
)

type RunFunc func(ctx context.Context, spec any, config RunOptions, registry *prometheus.Registry, logger log.Logger) (RunStatus, []Artifact, error)

type ProbRegistration struct {
	// Function to execute a spec
	RunFunc RunFunc

	// Sem-version of the prober module loaded
	Version string

	// Mime type of the spec when stored as a document
	ContentType string

	// Relation types of artifacts this prob is expected to produce
	Produce []string
}

type registration struct {
	specType reflect.Type
	info     ProbRegistration
}

var (
	registryLock sync.RWMutex
	kindRegistry = map[Kind]registration{}
)

// RegisterProbKind registers a kind of prob together with a prototype of its spec
func RegisterProbKind(kind Kind, proto any, info ProbRegistration) error {
	if info.RunFunc == nil {
		return ErrNilRunner
	}

	val := reflect.ValueOf(proto)
	if !val.IsValid() || !val.CanInterface() {
		return fmt.Errorf("spec prototype of %q can not interface", kind)
	}

	t := val.Type()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	registryLock.Lock()
	defer registryLock.Unlock()
	kindRegistry[kind] = registration{specType: t, info: info}
	return nil
}

func UnregisterProbKind(kind Kind) {
	registryLock.Lock()
	defer registryLock.Unlock()
	delete(kindRegistry, kind)
}

// InstanceOf returns a pointer to a new zero spec of the given kind
func InstanceOf(kind Kind) (any, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	r, known := kindRegistry[kind]
	if !known {
		return nil, fmt.Errorf("%w: %q", wyrd.ErrUnknownKind, kind)
	}

	return reflect.New(r.specType).Interface(), nil
}

// ListProbs returns a copy of registrations
func ListProbs() map[Kind]ProbRegistration {
	registryLock.RLock()
	defer registryLock.RUnlock()

	result := make(map[Kind]ProbRegistration, len(kindRegistry))
	for kind, r := range kindRegistry {
		result[kind] = r.info
	}
	return result
}

// Kinds lists registered kinds in order
func Kinds() []Kind {
	registryLock.RLock()
	defer registryLock.RUnlock()

	result := make([]Kind, 0, len(kindRegistry))
	for kind := range kindRegistry {
		result = append(result, kind)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func FindRunFunc(kind Kind) (RunFunc, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	r, ok := kindRegistry[kind]
	return r.info.RunFunc, ok
}

// UnexpectedSpec is an error returned by run functions given a spec of a foreign type
func UnexpectedSpec(got, expected any) error {
	return fmt.Errorf("%w: got %q, expected %q", wyrd.ErrUnexpectedSpecType, reflect.TypeOf(got), reflect.TypeOf(expected))
}
