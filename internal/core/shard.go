package core

import (
	"context"

	"github.com/nmxmxh/cortex-grid/internal/executor"
	"github.com/nmxmxh/cortex-grid/internal/grid"
	"github.com/nmxmxh/cortex-grid/internal/skill"
	"github.com/nmxmxh/cortex-grid/internal/tensor"
)

// skillShard bridges the abstract executor.ModelShard collaborator to a
// skill.Registry entry, so a node that has no real tensor-parallel model
// runtime wired in can still serve Single-role inference requests by
// dispatching the raw hidden-state bytes to a registered skill (in
// particular a WasmExecutor) and wrapping its output back into a Frame.
// This is a bridging shim, not a model-parallel shard: it always reports
// itself as owning the entire layer range.
type skillShard struct {
	registry   *skill.Registry
	skillID    string
	totalLayers uint32
}

func newSkillShard(registry *skill.Registry, skillID string, totalLayers uint32) *skillShard {
	return &skillShard{registry: registry, skillID: skillID, totalLayers: totalLayers}
}

func (s *skillShard) Forward(t tensor.Frame) (tensor.Frame, error) {
	out, err := s.registry.Execute(context.Background(), s.skillID, t.Data)
	if err != nil {
		return tensor.Frame{}, grid.Delegation("skill shard forward failed", err)
	}
	// The skill's output length rarely matches the input tensor's shape
	// product, so this reports a flat 1-D shape sized to whatever came
	// back rather than reusing t.Shape.
	elemSize := 4
	if t.DType == tensor.F16 || t.DType == tensor.BF16 {
		elemSize = 2
	}
	n := len(out) / elemSize
	out = out[:n*elemSize]
	return tensor.NewFrame([]uint64{uint64(n)}, t.DType, out)
}

func (s *skillShard) Info() executor.ShardInfo {
	return executor.ShardInfo{Role: executor.RoleSingle, StartLayer: 0, EndLayer: s.totalLayers}
}
