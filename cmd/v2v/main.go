package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BadgerOps/v2v/internal/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, errorMessage(err))
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error to the process exit status: 1 for problems the
// user can fix, 2 for internal errors.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, model.ErrInternal):
		return 2
	default:
		return 1
	}
}

func errorMessage(err error) string {
	if errors.Is(err, model.ErrUser) || errors.Is(err, model.ErrInternal) {
		return err.Error()
	}
	return "v2v: " + err.Error()
}
