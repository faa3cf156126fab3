package runtime

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"relay-host/mocks"
)

func Test_Registry_PutGatewayRemove(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	gw := mocks.NewMockGateway(gomock.NewController(t))

	_, ok := registry.Gateway("acme")
	req.False(ok)

	registry.Put("acme", gw)
	got, ok := registry.Gateway("acme")
	req.True(ok)
	req.Same(gw, got)

	registry.Remove("acme")
	_, ok = registry.Gateway("acme")
	req.False(ok)
}
