package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dulorai/tmdh-studio/internal/gen"
	"github.com/dulorai/tmdh-studio/internal/model"
)

// MockGenerator is a mock type for the gen.Generator type
type MockGenerator struct {
	mock.Mock
}

// SplitIntoScenes provides a mock function with given fields: ctx, text, sceneCount
func (_m *MockGenerator) SplitIntoScenes(ctx context.Context, text string, sceneCount int) ([]model.SceneDescriptor, error) {
	ret := _m.Called(ctx, text, sceneCount)

	var r0 []model.SceneDescriptor
	if rf, ok := ret.Get(0).(func(context.Context, string, int) []model.SceneDescriptor); ok {
		r0 = rf(ctx, text, sceneCount)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]model.SceneDescriptor)
		}
	}

	return r0, ret.Error(1)
}

// AnalyzeStyle provides a mock function with given fields: ctx, image
func (_m *MockGenerator) AnalyzeStyle(ctx context.Context, image gen.ReferenceImage) (string, error) {
	ret := _m.Called(ctx, image)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, gen.ReferenceImage) string); ok {
		r0 = rf(ctx, image)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(string)
		}
	}

	return r0, ret.Error(1)
}

// RenderShot provides a mock function with given fields: ctx, req
func (_m *MockGenerator) RenderShot(ctx context.Context, req gen.ShotRequest) (*gen.RenderedImage, error) {
	ret := _m.Called(ctx, req)

	var r0 *gen.RenderedImage
	if rf, ok := ret.Get(0).(func(context.Context, gen.ShotRequest) *gen.RenderedImage); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*gen.RenderedImage)
		}
	}

	return r0, ret.Error(1)
}

// RenderCharacterPortrait provides a mock function with given fields: ctx, prompt
func (_m *MockGenerator) RenderCharacterPortrait(ctx context.Context, prompt string) (*gen.RenderedImage, error) {
	ret := _m.Called(ctx, prompt)

	var r0 *gen.RenderedImage
	if rf, ok := ret.Get(0).(func(context.Context, string) *gen.RenderedImage); ok {
		r0 = rf(ctx, prompt)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*gen.RenderedImage)
		}
	}

	return r0, ret.Error(1)
}

// NewMockGenerator creates a new instance of MockGenerator. It also registers a testing interface on the mock.
// The first argument is typically a *testing.T value.
func NewMockGenerator(t interface {
	mock.TestingT
	Helper()
}) *MockGenerator {
	m := &MockGenerator{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ gen.Generator = (*MockGenerator)(nil)

// MockDetailHook is a mock type for the gen.DetailHook type
type MockDetailHook struct {
	mock.Mock
}

// DetailDescription provides a mock function with given fields: ctx, shotType, sceneDescription
func (_m *MockDetailHook) DetailDescription(ctx context.Context, shotType string, sceneDescription string) string {
	ret := _m.Called(ctx, shotType, sceneDescription)

	var r0 string
	if rf, ok := ret.Get(0).(func(context.Context, string, string) string); ok {
		r0 = rf(ctx, shotType, sceneDescription)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(string)
		}
	}

	return r0
}

// NewMockDetailHook creates a new instance of MockDetailHook.
func NewMockDetailHook(t interface {
	mock.TestingT
	Helper()
}) *MockDetailHook {
	m := &MockDetailHook{}
	m.Mock.Test(t)
	t.Helper()
	return m
}

var _ gen.DetailHook = (*MockDetailHook)(nil)
