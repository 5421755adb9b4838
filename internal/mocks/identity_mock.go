package mocks

import "github.com/stretchr/testify/mock"

// MockDeviceInfo is a mock implementation of the DeviceInfoInterface
type MockDeviceInfo struct {
	mock.Mock
}

func (m *MockDeviceInfo) LoadDeviceInfo() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDeviceInfo) GetDeviceID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockDeviceInfo) GetChannelOverride() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockDeviceInfo) GetBuildTimestamp() int64 {
	args := m.Called()
	return args.Get(0).(int64)
}

func (m *MockDeviceInfo) GetBuildIncremental() string {
	args := m.Called()
	return args.String(0)
}
