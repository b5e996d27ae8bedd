package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"dicomsurface/internal/models"
	"dicomsurface/pkg/session"
)

// paramAliases maps console words to parameters
var paramAliases = map[string]models.ParamName{
	"threshold":       models.ParamThreshold,
	"radius":          models.ParamGaussRadius,
	"gauss_radius":    models.ParamGaussRadius,
	"deviation":       models.ParamGaussDeviation,
	"gauss_deviation": models.ParamGaussDeviation,
	"morph":           models.ParamMorphRadius,
	"morph_radius":    models.ParamMorphRadius,
}

const consoleHelp = `commands:
  threshold <v>   set the threshold
  radius <v>      set the Gaussian radius factor
  deviation <v>   set the Gaussian standard deviation
  morph <v>       set the closing kernel size
  rebuild         rebuild the mesh with the current parameters
  save [dir] [name]
                  save the displayed mesh
  params          show the current parameters
  status          show the build state and the displayed mesh
  quit            exit`

type commandKind int

const (
	cmdNone commandKind = iota
	cmdSet
	cmdRebuild
	cmdSave
	cmdParams
	cmdStatus
	cmdHelp
	cmdQuit
)

type command struct {
	kind  commandKind
	param models.ParamName
	value float64
	args  []string
}

// parseCommand turns one console line into a command
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{kind: cmdNone}, nil
	}
	word := strings.ToLower(fields[0])

	if name, ok := paramAliases[word]; ok {
		if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: %s <value>", word)
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return command{}, fmt.Errorf("%s: %q is not a number", word, fields[1])
		}
		return command{kind: cmdSet, param: name, value: v}, nil
	}

	switch word {
	case "rebuild", "r":
		return command{kind: cmdRebuild}, nil
	case "save", "s":
		if len(fields) > 3 {
			return command{}, errors.New("usage: save [dir] [name]")
		}
		return command{kind: cmdSave, args: fields[1:]}, nil
	case "params", "p":
		return command{kind: cmdParams}, nil
	case "status":
		return command{kind: cmdStatus}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit", "q":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("unknown command %q (try help)", word)
}

// console is the terminal control surface. It only talks to the session
// through its event entry points.
type console struct {
	sess *session.Session
	in   *bufio.Reader
	out  io.Writer
	dir  string
	name string
}

// run reads commands until quit, end of input or cancellation. Build
// results are printed as they arrive.
func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := c.in.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	fmt.Fprintln(c.out, "Type help for commands.")
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case u := <-c.sess.Updates():
			c.printUpdate(u)

		case line := <-lines:
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(c.out, err)
				continue
			}
			if cmd.kind == cmdQuit {
				return nil
			}
			c.execute(ctx, cmd)
		}
	}
}

func (c *console) execute(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSet:
		if err := c.sess.SetParameter(cmd.param, cmd.value); err != nil {
			fmt.Fprintln(c.out, err)
			return
		}
		fmt.Fprintf(c.out, "%s = %g (rebuild to apply)\n", cmd.param, cmd.value)

	case cmdRebuild:
		if err := c.sess.RequestRebuild(); err != nil {
			fmt.Fprintln(c.out, err)
			return
		}
		fmt.Fprintln(c.out, "rebuilding...")

	case cmdSave:
		dir, name := c.dir, c.name
		if len(cmd.args) > 0 {
			dir = cmd.args[0]
		}
		if len(cmd.args) > 1 {
			name = cmd.args[1]
		}
		path, err := c.sess.RequestSave(ctx, dir, name)
		if err != nil {
			fmt.Fprintf(c.out, "save failed: %v\n", err)
			return
		}
		fmt.Fprintf(c.out, "saved %s\n", path)

	case cmdParams:
		p, err := c.sess.Parameters(ctx)
		if err != nil {
			fmt.Fprintln(c.out, err)
			return
		}
		fmt.Fprintln(c.out, p)

	case cmdStatus:
		mesh := c.sess.Mesh()
		if mesh == nil {
			fmt.Fprintf(c.out, "%s, no mesh yet\n", c.sess.State())
			return
		}
		fmt.Fprintf(c.out, "%s, displaying %d triangles, %d components, enclosed volume %.1f mm3\n",
			c.sess.State(), mesh.TriangleCount(), mesh.ComponentCount(), mesh.EnclosedVolume())

	case cmdHelp:
		fmt.Fprintln(c.out, consoleHelp)
	}
}

func (c *console) printUpdate(u session.Update) {
	if u.Err != nil {
		fmt.Fprintf(c.out, "build failed: %v\n", u.Err)
		return
	}
	if u.Mesh.IsEmpty() {
		fmt.Fprintf(c.out, "built an empty mesh in %.2fs (%s): threshold outside the data?\n", u.Elapsed.Seconds(), u.Params)
		return
	}
	fmt.Fprintf(c.out, "built %d triangles in %.2fs (%s)\n", u.Mesh.TriangleCount(), u.Elapsed.Seconds(), u.Params)
}
