package builtin_test

import (
	"errors"
	"testing"

	"github.com/krawall/krawall/connector-runtime/internal/connector"
	"github.com/krawall/krawall/connector-runtime/internal/connector/builtin"
	"github.com/krawall/krawall/connector-runtime/pkg/contracts"
	"github.com/krawall/krawall/connector-runtime/pkg/models"
)

func minimalTarget(kind models.ConnectorKind) *models.Target {
	return &models.Target{
		ID:       "t",
		Kind:     kind,
		Endpoint: "http://localhost:9",
		RequestTemplate: &models.RequestTemplate{
			MessagePath: "msg",
			Structure:   map[string]interface{}{"msg": ""},
		},
		ResponseTemplate: &models.ResponseTemplate{ResponsePath: "reply"},
	}
}

func TestBuiltinKinds(t *testing.T) {
	r := builtin.NewRegistry(connector.Deps{})
	kinds := r.Kinds()
	want := []string{"browser-websocket", "grpc", "http", "sse", "websocket"}
	if len(kinds) != len(want) {
		t.Fatalf("Kinds() = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("Kinds()[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestCreateHTTP(t *testing.T) {
	r := builtin.NewRegistry(connector.Deps{})
	c, err := r.Create(minimalTarget(models.ConnectorHTTP))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("new connector should not report connected")
	}
}

func TestCreateUnknownKind(t *testing.T) {
	r := builtin.NewRegistry(connector.Deps{})
	_, err := r.Create(minimalTarget("carrier-pigeon"))
	var unknown *connector.UnknownKindError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want UnknownKindError", err)
	}
	if len(unknown.Available) != 5 {
		t.Errorf("available set = %v", unknown.Available)
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := builtin.NewRegistry(connector.Deps{})
	called := false
	r.Create(minimalTarget(models.ConnectorHTTP)) // force builtin registration

	r.Register(models.ConnectorHTTP, func(target *models.Target, _ connector.Deps) (contracts.Connector, error) {
		called = true
		return nil, errors.New("replaced")
	})
	r.Create(minimalTarget(models.ConnectorHTTP))
	if !called {
		t.Error("duplicate registration must overwrite the factory")
	}
}
