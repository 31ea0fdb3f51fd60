package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sandbox-migrate/internal/backup"
)

// Service prompts the operator before destructive catalog operations.
type Service interface {
	// ConfirmCascadeDelete shows the records a cascade delete would remove
	// and asks for explicit approval. Auto-approve skips the prompt.
	ConfirmCascadeDelete(target *backup.BackupRecord, dependents []*backup.BackupRecord, autoApprove bool) (bool, error)
}

type service struct {
	in  io.Reader
	out io.Writer
}

// NewService creates a confirmation service reading answers from in and
// writing prompts to out. Nil arguments default to stdin and stdout.
func NewService(in io.Reader, out io.Writer) Service {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &service{in: in, out: out}
}

// ConfirmCascadeDelete implements Service.
func (s *service) ConfirmCascadeDelete(target *backup.BackupRecord, dependents []*backup.BackupRecord, autoApprove bool) (bool, error) {
	s.displaySummary(target, dependents)

	if autoApprove {
		fmt.Fprintln(s.out, "Auto-approving cascade delete.")
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	inputChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	go func() {
		input, err := s.prompt()
		if err != nil {
			errorChan <- err
			return
		}
		inputChan <- input
	}()

	select {
	case <-interruptChan:
		fmt.Fprintln(s.out, "\nCancelled.")
		return false, nil
	case err := <-errorChan:
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	case input := <-inputChan:
		return parseAnswer(input), nil
	}
}

func (s *service) displaySummary(target *backup.BackupRecord, dependents []*backup.BackupRecord) {
	fmt.Fprintf(s.out, "Cascade delete will permanently remove %d record(s) and their archives:\n\n", len(dependents)+1)
	fmt.Fprintf(s.out, "  %s (%s, sandbox %s)\n", target.ID, target.Type, target.SandboxID)
	for _, r := range dependents {
		fmt.Fprintf(s.out, "  %s (%s, depends on %s)\n", r.ID, r.Type, r.ParentID)
	}
	fmt.Fprintln(s.out)
}

func (s *service) prompt() (string, error) {
	fmt.Fprint(s.out, "Proceed? [y/N]: ")
	reader := bufio.NewReader(s.in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return line, nil
}

func parseAnswer(input string) bool {
	answer := strings.ToLower(strings.TrimSpace(input))
	return answer == "y" || answer == "yes"
}
