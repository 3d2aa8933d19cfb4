package skill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryDispatchesByskillID(t *testing.T) {
	r := NewRegistry()
	r.Register("echo.upper", FuncExecutor(func(_ context.Context, input []byte) ([]byte, error) {
		out := make([]byte, len(input))
		for i, b := range input {
			if b >= 'a' && b <= 'z' {
				b -= 'a' - 'A'
			}
			out[i] = b
		}
		return out, nil
	}))

	out, err := r.Execute(context.Background(), "echo.upper", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "HELLO", string(out))
}

func TestRegistryUnknownSkill(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "missing.skill", nil)
	require.Error(t, err)
}

func TestSkillsListsRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register("a", FuncExecutor(func(context.Context, []byte) ([]byte, error) { return nil, nil }))
	r.Register("b", FuncExecutor(func(context.Context, []byte) ([]byte, error) { return nil, nil }))
	require.ElementsMatch(t, []string{"a", "b"}, r.Skills())
}
