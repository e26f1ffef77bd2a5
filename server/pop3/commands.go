package pop3

import "strings"

type phase int

const (
	phaseAuthorization phase = iota
	phaseTransaction
)

func (p phase) String() string {
	switch p {
	case phaseAuthorization:
		return "AUTHORIZATION"
	case phaseTransaction:
		return "TRANSACTION"
	}
	return "UNKNOWN"
}

// command enumerates the POP3 verbs this server understands.
type command int

const (
	cmdUnknown command = iota
	cmdUSER
	cmdPASS
	cmdAUTH
	cmdSTLS
	cmdCAPA
	cmdSTAT
	cmdLIST
	cmdRETR
	cmdDELE
	cmdNOOP
	cmdRSET
	cmdUIDL
	cmdTOP
	cmdQUIT

	numCommands
)

var commandNames = [numCommands]string{
	cmdUnknown: "UNKNOWN",
	cmdUSER:    "USER",
	cmdPASS:    "PASS",
	cmdAUTH:    "AUTH",
	cmdSTLS:    "STLS",
	cmdCAPA:    "CAPA",
	cmdSTAT:    "STAT",
	cmdLIST:    "LIST",
	cmdRETR:    "RETR",
	cmdDELE:    "DELE",
	cmdNOOP:    "NOOP",
	cmdRSET:    "RSET",
	cmdUIDL:    "UIDL",
	cmdTOP:     "TOP",
	cmdQUIT:    "QUIT",
}

var commandsByName = func() map[string]command {
	m := make(map[string]command, numCommands)
	for c := cmdUnknown + 1; c < numCommands; c++ {
		m[commandNames[c]] = c
	}
	return m
}()

func (c command) String() string {
	if c < 0 || c >= numCommands {
		return commandNames[cmdUnknown]
	}
	return commandNames[c]
}

func parseCommand(verb string) command {
	if c, ok := commandsByName[strings.ToUpper(verb)]; ok {
		return c
	}
	return cmdUnknown
}

// handlerFunc runs one command. It returns true when the session must end.
type handlerFunc func(s *POP3Session, args []string) bool

type commandSpec struct {
	handler handlerFunc
	// phases lists where the command is accepted; nil means any phase.
	phases []phase
}

func (c commandSpec) allowedIn(p phase) bool {
	if c.phases == nil {
		return true
	}
	for _, allowed := range c.phases {
		if allowed == p {
			return true
		}
	}
	return false
}

var (
	authorizationOnly = []phase{phaseAuthorization}
	transactionOnly   = []phase{phaseTransaction}
)

// commandTable maps every command to its handler. TestCommandTableIsComplete
// keeps it exhaustive.
var commandTable = [numCommands]commandSpec{
	cmdUSER: {handler: (*POP3Session).handleUSER, phases: authorizationOnly},
	cmdPASS: {handler: (*POP3Session).handlePASS, phases: authorizationOnly},
	cmdAUTH: {handler: (*POP3Session).handleAUTH, phases: authorizationOnly},
	cmdSTLS: {handler: (*POP3Session).handleSTLS, phases: authorizationOnly},
	cmdCAPA: {handler: (*POP3Session).handleCAPA},
	cmdSTAT: {handler: (*POP3Session).handleSTAT, phases: transactionOnly},
	cmdLIST: {handler: (*POP3Session).handleLIST, phases: transactionOnly},
	cmdRETR: {handler: (*POP3Session).handleRETR, phases: transactionOnly},
	cmdDELE: {handler: (*POP3Session).handleDELE, phases: transactionOnly},
	cmdNOOP: {handler: (*POP3Session).handleNOOP, phases: transactionOnly},
	cmdRSET: {handler: (*POP3Session).handleRSET, phases: transactionOnly},
	cmdUIDL: {handler: (*POP3Session).handleUIDL, phases: transactionOnly},
	cmdTOP:  {handler: (*POP3Session).handleTOP, phases: transactionOnly},
	cmdQUIT: {handler: (*POP3Session).handleQUIT},
}
