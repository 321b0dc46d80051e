package espcmd

import (
	"context"

	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockRunner implements interfaces.ProcessRunner for testing.
type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, cmd interfaces.Command) (interfaces.ProcessResult, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(interfaces.ProcessResult), args.Error(1)
}
