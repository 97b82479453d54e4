package commands

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// SIG model opcodes used by the built-in builders.
const (
	opGenericOnOffSet       uint16 = 0x8202
	opGenericLevelSet       uint16 = 0x8206
	opLightLightnessSet     uint16 = 0x824C
	opLightCTLSet           uint16 = 0x825E
	opSceneRecall           uint16 = 0x8242
	opConfigSubscriptionAdd uint16 = 0x801B
)

// Default transition: 0 steps, immediate.
const defaultTransition byte = 0x00

// tid is a process-wide transaction identifier shared by all builders so
// consecutive messages to the same node are never deduplicated by the stack.
var tid atomic.Uint32

func nextTID() byte { return byte(tid.Add(1)) }

// transitionSteps converts a duration in milliseconds to the mesh
// transition-time octet (step resolution 100ms, capped at the field max).
func transitionSteps(ms int) byte {
	if ms <= 0 {
		return defaultTransition
	}
	steps := ms / 100
	if steps > 0x3E {
		steps = 0x3E
	}
	return byte(steps) // resolution bits 0b00 = 100ms
}

func opcodeBytes(op uint16) []byte {
	return []byte{byte(op >> 8), byte(op)}
}

// OnOffBuilder encodes a Generic OnOff Set.
type OnOffBuilder struct{}

func (OnOffBuilder) CommandType() string { return "onoff" }

func (OnOffBuilder) Build(req *domain.CommandRequest) ([]byte, error) {
	var p struct {
		On bool `json:"on"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid onoff params: %w", err)
	}
	state := byte(0)
	if p.On {
		state = 1
	}
	payload := opcodeBytes(opGenericOnOffSet)
	payload = append(payload, state, nextTID(), transitionSteps(req.TransitionMs), 0x00)
	return payload, nil
}

// LevelBuilder encodes a Generic Level Set. Level is signed 16-bit.
type LevelBuilder struct{}

func (LevelBuilder) CommandType() string { return "level" }

func (LevelBuilder) Build(req *domain.CommandRequest) ([]byte, error) {
	var p struct {
		Level int16 `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid level params: %w", err)
	}
	payload := opcodeBytes(opGenericLevelSet)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(p.Level))
	payload = append(payload, nextTID(), transitionSteps(req.TransitionMs), 0x00)
	return payload, nil
}

// LightnessBuilder encodes a Light Lightness Set from a 0-100 percentage.
type LightnessBuilder struct{}

func (LightnessBuilder) CommandType() string { return "brightness" }

func (LightnessBuilder) Build(req *domain.CommandRequest) ([]byte, error) {
	var p struct {
		Percent int `json:"percent"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid brightness params: %w", err)
	}
	if p.Percent < 0 || p.Percent > 100 {
		return nil, fmt.Errorf("brightness percent %d out of range 0-100", p.Percent)
	}
	lightness := uint16(uint32(p.Percent) * 0xFFFF / 100)
	payload := opcodeBytes(opLightLightnessSet)
	payload = binary.LittleEndian.AppendUint16(payload, lightness)
	payload = append(payload, nextTID(), transitionSteps(req.TransitionMs), 0x00)
	return payload, nil
}

// ColorTemperatureBuilder encodes a Light CTL Set. Temperature is clamped to
// the 800-20000 Kelvin range the profile allows.
type ColorTemperatureBuilder struct{}

func (ColorTemperatureBuilder) CommandType() string { return "color_temperature" }

func (ColorTemperatureBuilder) Build(req *domain.CommandRequest) ([]byte, error) {
	var p struct {
		Kelvin  int `json:"kelvin"`
		Percent int `json:"percent"` // lightness to apply alongside, 0-100
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid color_temperature params: %w", err)
	}
	if p.Kelvin < 800 {
		p.Kelvin = 800
	}
	if p.Kelvin > 20000 {
		p.Kelvin = 20000
	}
	if p.Percent < 0 || p.Percent > 100 {
		return nil, fmt.Errorf("color_temperature percent %d out of range 0-100", p.Percent)
	}
	lightness := uint16(uint32(p.Percent) * 0xFFFF / 100)
	payload := opcodeBytes(opLightCTLSet)
	payload = binary.LittleEndian.AppendUint16(payload, lightness)
	payload = binary.LittleEndian.AppendUint16(payload, uint16(p.Kelvin))
	payload = binary.LittleEndian.AppendUint16(payload, 0x0000) // delta UV
	payload = append(payload, nextTID(), transitionSteps(req.TransitionMs), 0x00)
	return payload, nil
}

// SceneRecallBuilder encodes a Scene Recall.
type SceneRecallBuilder struct{}

func (SceneRecallBuilder) CommandType() string { return "scene_recall" }

func (SceneRecallBuilder) Build(req *domain.CommandRequest) ([]byte, error) {
	var p struct {
		Scene uint16 `json:"scene"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid scene_recall params: %w", err)
	}
	if p.Scene == 0 {
		return nil, errors.New("scene_recall payload missing required field 'scene'")
	}
	payload := opcodeBytes(opSceneRecall)
	payload = binary.LittleEndian.AppendUint16(payload, p.Scene)
	payload = append(payload, nextTID(), transitionSteps(req.TransitionMs), 0x00)
	return payload, nil
}

// StatusGet encodes a Generic OnOff Get, the cheapest request that forces a
// node to answer. Health sweeps use it as a liveness probe.
func StatusGet() []byte {
	return opcodeBytes(0x8201)
}

// SubscriptionAdd encodes a Config Model Subscription Add binding the
// Generic OnOff server on element to the given group address. Used as the
// group-assignment step after provisioning.
func SubscriptionAdd(element, group uint16) []byte {
	payload := opcodeBytes(opConfigSubscriptionAdd)
	payload = binary.LittleEndian.AppendUint16(payload, element)
	payload = binary.LittleEndian.AppendUint16(payload, group)
	payload = binary.LittleEndian.AppendUint16(payload, 0x1000) // Generic OnOff Server model ID
	return payload
}
