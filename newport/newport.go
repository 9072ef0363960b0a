/*Package newport provides a driver for Newport delay line stages that speak
the ESP command set, such as the DL225 with its DL controller.

Commands are ASCII telegrams of the form <axis><cmd><value> or <axis><cmd>?,
terminated by CR LF.  Queries answer with one line; most writes answer with
nothing at all, which the driver treats as an acknowledgement.
*/
package newport

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	commands = []Command{
		// Status functions
		{Cmd: "MD", Alias: "motion-done", Description: "get motion done status", UsesAxis: true, IsReadOnly: true},
		{Cmd: "TB", Alias: "err-msg", Description: "get error message", IsReadOnly: true},
		{Cmd: "TE", Alias: "err-num", Description: "get error number", IsReadOnly: true},
		{Cmd: "TP", Alias: "get-position", Description: "get position", UsesAxis: true, IsReadOnly: true},
		{Cmd: "TS", Alias: "controller-status", Description: "get controller status", IsReadOnly: true},
		{Cmd: "TV", Alias: "get-velocity", Description: "get velocity", UsesAxis: true, IsReadOnly: true},
		{Cmd: "VE", Alias: "controller-firmware", Description: "get controller firmware version", IsReadOnly: true},

		// Motion functions
		{Cmd: "MF", Alias: "motor-off", Description: "motor off", UsesAxis: true},
		{Cmd: "MO", Alias: "motor-on", Description: "motor on", UsesAxis: true},
		{Cmd: "OR", Alias: "origin-search", Description: "origin searching", UsesAxis: true},
		{Cmd: "PA", Alias: "move-abs", Description: "move absolute", UsesAxis: true},
		{Cmd: "PR", Alias: "move-rel", Description: "move relative", UsesAxis: true},
		{Cmd: "ST", Alias: "stop", Description: "stop motion", UsesAxis: true},
		{Cmd: "WS", Alias: "wait-stop", Description: "wait for motion stop", UsesAxis: true},

		// trajectory definition
		{Cmd: "AC", Alias: "set-accel", Description: "set acceleration", UsesAxis: true},
		{Cmd: "AG", Alias: "set-decel", Description: "set deceleration", UsesAxis: true},
		{Cmd: "VA", Alias: "set-velocity", Description: "set velocity", UsesAxis: true},
		{Cmd: "VU", Alias: "set-max-speed", Description: "set maximum speed", UsesAxis: true},
	}

	// ESPErrorCodesWithoutAxes maps error codes to error strings when the errors
	// are not axis specific
	ESPErrorCodesWithoutAxes = map[int]string{
		0:  "NO ERROR DETECTED",
		4:  "EMERGENCY STOP ACTIVATED",
		6:  "COMMAND DOES NOT EXIST",
		7:  "PARAMETER OUT OF RANGE",
		8:  "CABLE INTERLOCK ERROR",
		9:  "AXIS NUMBER OUT OF RANGE",
		27: "COMMAND NOT ALLOWED",
		37: "AXIS NUMBER MISSING",
		38: "COMMAND PARAMETER MISSING",
		40: "LAST COMMAND CANNOT BE REPEATED",
	}

	// ESPErrorCodesWithAxes maps the final two digits of an axis-specific
	// error code to a string.  The axis number is excluded from the key.
	ESPErrorCodesWithAxes = map[int]string{
		0:  "MOTOR TYPE NOT DEFINED",
		1:  "PARAMETER OUT OF RANGE",
		2:  "AMPLIFIER FAULT DETECTED",
		3:  "FOLLOWING ERROR THRESHLD EXCEEDED",
		4:  "POSITIVE HARDWARE LIMIT REACHED",
		5:  "NEGATIVE HARDWARE LIMIT REACHED",
		6:  "POSITIVE SOFTWARE LIMIT REACHED",
		7:  "NEGATIVE SOFTWARE LIMIT REACHED",
		8:  "MOTOR / STAGE NOT CONNECTED",
		9:  "FEEDBACK SIGNAL FAULT DETECTED",
		10: "MAXIMUM VELOCITY EXCEEDED",
		11: "MAXIMUM ACCELERATION EXCEEDED",
		13: "MOTOR NOT ENABLED",
		20: "HOMING ABORTED",
		24: "SPEED OUT OF RANGE",
		30: "COMMAND NOT ALLOWED DURING HOMING",
	}
)

// Command describes a command
type Command struct {
	Cmd         string `json:"cmd"`
	Alias       string `json:"alias"`
	Description string `json:"description"`
	UsesAxis    bool   `json:"usesAxis"`
	IsReadOnly  bool   `json:"isReadOnly"`
}

// ErrCommandNotFound is generated when a command is unknown to the newport module
type ErrCommandNotFound struct {
	Cmd string
}

func (e ErrCommandNotFound) Error() string {
	return fmt.Sprintf("command %s not found", e.Cmd)
}

// Commands returns the command table
func Commands() []Command {
	out := make([]Command, len(commands))
	copy(out, commands)
	return out
}

func commandFromCmdOrAlias(cmdAlias string) (Command, error) {
	for _, c := range commands {
		if c.Cmd == cmdAlias || c.Alias == cmdAlias {
			return c, nil
		}
	}
	return Command{}, ErrCommandNotFound{cmdAlias}
}

func mustCommand(alias string) Command {
	c, err := commandFromCmdOrAlias(alias)
	if err != nil {
		panic(err)
	}
	return c
}

// makeTelegram formats a command.  Positions are written with the shortest
// representation that round trips, so 150.3 goes out as "150.3".
func makeTelegram(c Command, axis string, write bool, data float64) string {
	pieces := []string{}
	if c.UsesAxis {
		pieces = append(pieces, axis)
	}
	pieces = append(pieces, c.Cmd)
	if c.IsReadOnly {
		pieces = append(pieces, "?")
	} else if write {
		pieces = append(pieces, strconv.FormatFloat(data, 'f', -1, 64))
	}
	return strings.Join(pieces, "")
}

// parseReply strips the echoed axis and command from a query reply, so
// "1TP150.3" and "150.3" both become "150.3"
func parseReply(c Command, axis, reply string) string {
	reply = strings.TrimSpace(reply)
	reply = strings.TrimPrefix(reply, axis+c.Cmd)
	reply = strings.TrimPrefix(reply, c.Cmd)
	return strings.TrimSpace(reply)
}

// decodeError converts the first field of a TB? reply into a message.
// codes longer than two digits carry the axis number in front.
func decodeError(reply string) (code int, msg string, err error) {
	field := strings.TrimSpace(strings.Split(reply, ",")[0])
	if len(field) > 2 {
		axis, err := strconv.Atoi(field[:len(field)-2])
		if err != nil {
			return 0, "", err
		}
		code, err = strconv.Atoi(field[len(field)-2:])
		if err != nil {
			return 0, "", err
		}
		msg, ok := ESPErrorCodesWithAxes[code]
		if !ok {
			msg = "UNKNOWN ERROR"
		}
		return axis*100 + code, fmt.Sprintf("AXIS %d %s", axis, msg), nil
	}
	code, err = strconv.Atoi(field)
	if err != nil {
		return 0, "", err
	}
	msg, ok := ESPErrorCodesWithoutAxes[code]
	if !ok {
		msg = "UNKNOWN ERROR"
	}
	return code, msg, nil
}
