package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LengthSuffix is appended to every instruction sent to a backend.
const LengthSuffix = ". keep the speech length same."

// BuiltinInstructions is the fixed instruction menu, in display order.
var BuiltinInstructions = []string{
	"Make this pitch more engaging, concise, and impactful",
	"Use confident and persuasive language that clearly communicates the value proposition, connects with the audience emotionally, and inspires them to take action",
	"Simplify any jargon, emphasize key benefits, and include a strong call-to-action",
}

// ErrAborted is returned when the user leaves the instruction menu.
var ErrAborted = errors.New("refinement aborted by user")

// ErrNoInstruction is returned by Refine when no instruction was given and no
// selector is configured.
var ErrNoInstruction = errors.New("no instruction given")

// Preset returns built-in instruction n (1-based).
func Preset(n int) (string, error) {
	if n < 1 || n > len(BuiltinInstructions) {
		return "", fmt.Errorf("preset %d out of range 1-%d", n, len(BuiltinInstructions))
	}
	return BuiltinInstructions[n-1], nil
}

// WithLengthSuffix returns the instruction as it is sent to the backend.
func WithLengthSuffix(instruction string) string {
	return instruction + LengthSuffix
}

// Selector chooses an instruction when the caller did not pass one.
type Selector interface {
	Select(ctx context.Context) (string, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(ctx context.Context) (string, error)

func (f SelectorFunc) Select(ctx context.Context) (string, error) { return f(ctx) }

// MenuSelector prompts on out and reads the choice from in.
type MenuSelector struct {
	in  *bufio.Reader
	out io.Writer
}

func NewMenuSelector(in io.Reader, out io.Writer) *MenuSelector {
	return &MenuSelector{in: bufio.NewReader(in), out: out}
}

// WriteMenu prints the numbered instruction list.
func WriteMenu(w io.Writer) {
	fmt.Fprintln(w, "--- Available Instructions ---")
	for i, inst := range BuiltinInstructions {
		fmt.Fprintf(w, "%d. %s\n", i+1, inst)
	}
}

// Select shows the menu until it gets a valid answer. 0 aborts, the entry
// after the built-ins asks for a custom instruction, and anything else is
// asked again. End of input aborts.
func (m *MenuSelector) Select(ctx context.Context) (string, error) {
	custom := len(BuiltinInstructions) + 1
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		fmt.Fprintln(m.out)
		WriteMenu(m.out)
		fmt.Fprintf(m.out, "%d. Custom instruction\n", custom)
		fmt.Fprintln(m.out, "0. Exit")
		fmt.Fprintf(m.out, "\nEnter the number of the instruction (0 to exit): ")

		line, err := m.readLine()
		if err != nil {
			return "", err
		}

		choice, convErr := strconv.Atoi(line)
		switch {
		case convErr != nil:
			fmt.Fprintln(m.out, "Please enter a number.")
		case choice == 0:
			return "", ErrAborted
		case choice >= 1 && choice <= len(BuiltinInstructions):
			return BuiltinInstructions[choice-1], nil
		case choice == custom:
			fmt.Fprint(m.out, "Enter your instruction: ")
			text, err := m.readLine()
			if err != nil {
				return "", err
			}
			if text != "" {
				return text, nil
			}
			fmt.Fprintln(m.out, "Instruction must not be empty.")
		default:
			fmt.Fprintf(m.out, "Invalid choice %d.\n", choice)
		}
	}
}

func (m *MenuSelector) readLine() (string, error) {
	line, err := m.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", ErrAborted
		}
		return "", fmt.Errorf("read choice: %w", err)
	}
	return strings.TrimSpace(line), nil
}
