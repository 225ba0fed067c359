package flow

import (
	"fmt"
	"strings"
)

// Statehandler names what happens to a flow context once it is terminal.
type Statehandler string

const DELETE Statehandler = "DELETE"
const NOOP Statehandler = "NOOP"

func ValidateStateHandler(st string) error {
	if len(st) == 0 || strings.EqualFold(st, string(DELETE)) || strings.EqualFold(st, string(NOOP)) {
		return nil
	}
	return fmt.Errorf("invalid state handler %s", st)
}

func toStateHandler(st string) Statehandler {
	if strings.EqualFold(st, string(DELETE)) {
		return DELETE
	}
	return NOOP
}
