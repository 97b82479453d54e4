package commands_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtunguet/go-mesh-flow/internal/commands"
	"github.com/thanhtunguet/go-mesh-flow/internal/domain"
)

// stub is a minimal Builder implementation for registry tests.
type stub struct{ commandType string }

func (s *stub) CommandType() string { return s.commandType }
func (s *stub) Build(_ *domain.CommandRequest) ([]byte, error) {
	return []byte{0x00}, nil
}

func TestRegistry_Get_KnownType(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register(&stub{commandType: "onoff"})

	b, err := reg.Get("onoff")
	require.NoError(t, err)
	assert.Equal(t, "onoff", b.CommandType())
}

func TestRegistry_Get_UnknownType(t *testing.T) {
	reg := commands.NewRegistry()

	_, err := reg.Get("teleport")
	require.Error(t, err)

	var unknown *domain.UnknownCommandTypeError
	assert.True(t, errors.As(err, &unknown),
		"expected UnknownCommandTypeError, got %T", err)
	assert.Equal(t, "teleport", unknown.CommandType)
}

func TestRegistry_Build_RoutesToBuilder(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register(&stub{commandType: "onoff"})

	payload, err := reg.Build(&domain.CommandRequest{Type: "onoff"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, payload)
}

func TestDefaultRegistry_CoversBuiltins(t *testing.T) {
	reg := commands.DefaultRegistry()

	for _, typ := range []string{"onoff", "level", "brightness", "color_temperature", "scene_recall"} {
		_, err := reg.Get(typ)
		assert.NoError(t, err, "builtin %q missing", typ)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := commands.NewRegistry()
	reg.Register(&stub{commandType: "onoff"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(&stub{commandType: "level"}) }()
		go func() { defer wg.Done(); _, _ = reg.Get("onoff") }()
	}
	wg.Wait()
}

func TestOnOffBuilder_Payload(t *testing.T) {
	b := commands.OnOffBuilder{}

	payload, err := b.Build(&domain.CommandRequest{
		Type:   "onoff",
		Params: json.RawMessage(`{"on":true}`),
	})
	require.NoError(t, err)
	require.Len(t, payload, 6)
	assert.Equal(t, []byte{0x82, 0x02}, payload[:2], "opcode")
	assert.Equal(t, byte(0x01), payload[2], "state")
	assert.Equal(t, byte(0x00), payload[4], "no transition")
}

func TestOnOffBuilder_TransitionSteps(t *testing.T) {
	b := commands.OnOffBuilder{}

	payload, err := b.Build(&domain.CommandRequest{
		Type:         "onoff",
		Params:       json.RawMessage(`{"on":false}`),
		TransitionMs: 500,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), payload[2], "state off")
	assert.Equal(t, byte(5), payload[4], "500ms = 5 steps of 100ms")
}

func TestOnOffBuilder_TIDAdvances(t *testing.T) {
	b := commands.OnOffBuilder{}
	req := &domain.CommandRequest{Type: "onoff", Params: json.RawMessage(`{"on":true}`)}

	first, err := b.Build(req)
	require.NoError(t, err)
	second, err := b.Build(req)
	require.NoError(t, err)

	assert.NotEqual(t, first[3], second[3], "consecutive messages must carry distinct TIDs")
}

func TestLevelBuilder_SignedLevel(t *testing.T) {
	b := commands.LevelBuilder{}

	payload, err := b.Build(&domain.CommandRequest{
		Type:   "level",
		Params: json.RawMessage(`{"level":-32768}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x06}, payload[:2], "opcode")
	assert.Equal(t, []byte{0x00, 0x80}, payload[2:4], "int16 min, little-endian")
}

func TestLightnessBuilder_PercentScaling(t *testing.T) {
	b := commands.LightnessBuilder{}

	payload, err := b.Build(&domain.CommandRequest{
		Type:   "brightness",
		Params: json.RawMessage(`{"percent":100}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, payload[2:4], "100%% maps to full lightness")

	_, err = b.Build(&domain.CommandRequest{
		Type:   "brightness",
		Params: json.RawMessage(`{"percent":101}`),
	})
	assert.Error(t, err)
}

func TestColorTemperatureBuilder_ClampsKelvin(t *testing.T) {
	b := commands.ColorTemperatureBuilder{}

	payload, err := b.Build(&domain.CommandRequest{
		Type:   "color_temperature",
		Params: json.RawMessage(`{"kelvin":100,"percent":50}`),
	})
	require.NoError(t, err)
	// Kelvin sits after the opcode and the lightness field.
	assert.Equal(t, []byte{0x20, 0x03}, payload[4:6], "clamped to 800K, little-endian")
}

func TestSceneRecallBuilder_RequiresScene(t *testing.T) {
	b := commands.SceneRecallBuilder{}

	_, err := b.Build(&domain.CommandRequest{
		Type:   "scene_recall",
		Params: json.RawMessage(`{}`),
	})
	assert.Error(t, err)

	payload, err := b.Build(&domain.CommandRequest{
		Type:   "scene_recall",
		Params: json.RawMessage(`{"scene":3}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x42}, payload[:2], "opcode")
	assert.Equal(t, []byte{0x03, 0x00}, payload[2:4], "scene number little-endian")
}

func TestSubscriptionAdd_Layout(t *testing.T) {
	payload := commands.SubscriptionAdd(0x0007, 0xC001)

	require.Len(t, payload, 8)
	assert.Equal(t, []byte{0x80, 0x1B}, payload[:2], "opcode")
	assert.Equal(t, []byte{0x07, 0x00}, payload[2:4], "element address")
	assert.Equal(t, []byte{0x01, 0xC0}, payload[4:6], "group address")
	assert.Equal(t, []byte{0x00, 0x10}, payload[6:8], "model id")
}
