package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/session"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		kind    commandKind
		param   models.ParamName
		value   float64
		args    int
		wantErr bool
	}{
		{line: "", kind: cmdNone},
		{line: "   \n", kind: cmdNone},
		{line: "threshold 42", kind: cmdSet, param: models.ParamThreshold, value: 42},
		{line: "Radius 2.5\n", kind: cmdSet, param: models.ParamGaussRadius, value: 2.5},
		{line: "gauss_deviation 0", kind: cmdSet, param: models.ParamGaussDeviation, value: 0},
		{line: "morph 3", kind: cmdSet, param: models.ParamMorphRadius, value: 3},
		{line: "threshold", wantErr: true},
		{line: "threshold abc", wantErr: true},
		{line: "rebuild", kind: cmdRebuild},
		{line: "save", kind: cmdSave},
		{line: "save /tmp out", kind: cmdSave, args: 2},
		{line: "save a b c", wantErr: true},
		{line: "params", kind: cmdParams},
		{line: "status", kind: cmdStatus},
		{line: "help", kind: cmdHelp},
		{line: "exit", kind: cmdQuit},
		{line: "frobnicate", wantErr: true},
	}
	for _, tt := range tests {
		cmd, err := parseCommand(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCommand(%q): expected an error", tt.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCommand(%q): %v", tt.line, err)
			continue
		}
		if cmd.kind != tt.kind || cmd.param != tt.param || cmd.value != tt.value || len(cmd.args) != tt.args {
			t.Errorf("parseCommand(%q) = %+v", tt.line, cmd)
		}
	}
}

type fixedBuilder struct{}

func (fixedBuilder) Extract(*models.ScalarVolume, models.ParameterSet) (*models.Mesh, error) {
	return &models.Mesh{
		Vertices:  []r3.Vec{{X: 0}, {X: 1}, {Y: 1}},
		Normals:   []r3.Vec{{Z: 1}, {Z: 1}, {Z: 1}},
		Triangles: [][3]int32{{0, 1, 2}},
	}, nil
}

func runScript(t *testing.T, script string) string {
	t.Helper()
	vol := models.NewScalarVolume(make([]float64, 8), [3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{})
	sess := session.New(vol, fixedBuilder{}, models.ParameterSet{Threshold: 100, GaussRadius: 1.5, GaussDeviation: 1, MorphRadius: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Run(ctx)

	var out bytes.Buffer
	c := &console{sess: sess, in: bufio.NewReader(strings.NewReader(script)), out: &out, dir: t.TempDir(), name: "model"}
	if err := c.run(ctx); err != nil {
		t.Fatalf("console: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("console did not finish before the deadline")
	}
	return out.String()
}

func TestConsoleScript(t *testing.T) {
	out := runScript(t, "params\nthreshold 42\nparams\nthreshold -1\nbogus\nquit\n")

	if !strings.Contains(out, "threshold=100 ") {
		t.Errorf("initial parameters missing:\n%s", out)
	}
	if !strings.Contains(out, "threshold=42 ") {
		t.Errorf("updated threshold missing:\n%s", out)
	}
	if !strings.Contains(out, "negative") {
		t.Errorf("negative threshold not rejected:\n%s", out)
	}
	if !strings.Contains(out, `unknown command "bogus"`) {
		t.Errorf("unknown command not reported:\n%s", out)
	}
}

func TestConsoleSaveWithoutMesh(t *testing.T) {
	out := runScript(t, "status\nsave\n")

	if !strings.Contains(out, "no mesh yet") {
		t.Errorf("status before the first build:\n%s", out)
	}
	if !strings.Contains(out, "save failed") {
		t.Errorf("save without a mesh should fail:\n%s", out)
	}
}
