package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudankdk/ctfcheck/internal/flag"
	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/sandbox"
)

func TestJudge(t *testing.T) {
	static, err := flag.New("CTF{abc}", flag.TypeStatic, true)
	require.NoError(t, err)
	flags := []*flag.Flag{static}

	tests := []struct {
		name  string
		kind  sandbox.Kind
		res   model.Result
		flags []*flag.Flag
		want  bool
	}{
		{"status ok", sandbox.KindStatus, model.Result{ExitCode: 0}, flags, true},
		{"status failed", sandbox.KindStatus, model.Result{ExitCode: 1}, flags, false},
		{"solution without flags", sandbox.KindSolution, model.Result{ExitCode: 0}, nil, true},
		{"solution prints flag", sandbox.KindSolution, model.Result{Stdout: "pwned\n  CTF{abc}  \n"}, flags, true},
		{"solution prints other", sandbox.KindSolution, model.Result{Stdout: "CTF{abd}\n"}, flags, false},
		{"solution nonzero exit", sandbox.KindSolution, model.Result{ExitCode: 2, Stdout: "CTF{abc}\n"}, flags, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.res
			assert.Equal(t, tc.want, Judge(tc.kind, &res, tc.flags))
		})
	}
}
