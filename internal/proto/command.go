package proto

import "strings"

// CommandKind enumerates every operation a node understands. The set is
// closed: the dispatcher, the wire codec and the REPL all switch over it and
// reject anything else.
type CommandKind string

const (
	CmdCreateUser            CommandKind = "create_user"
	CmdUserAccounts          CommandKind = "user_accounts"
	CmdPrintUserTransactions CommandKind = "print_user_tsx"
	CmdPrintTransactions     CommandKind = "print_tsx"
	CmdDeposit               CommandKind = "deposit"
	CmdWithdraw              CommandKind = "withdraw"
	CmdTransfer              CommandKind = "transfer"
	CmdPay                   CommandKind = "pay"
	CmdRefund                CommandKind = "refund"
	CmdHelp                  CommandKind = "help"
	CmdUnknown               CommandKind = "unknown"
	CmdError                 CommandKind = "error"
)

// Command is a parsed operator input. Text carries the raw input for Unknown
// and the failure detail for Error; it is empty otherwise.
type Command struct {
	Kind CommandKind
	Text string
}

// ParseCommand maps one line of operator input to a Command. Anything that is
// not a known /-command becomes Unknown with the original text attached.
func ParseCommand(input string) Command {
	switch strings.TrimSpace(input) {
	case "/create_user":
		return Command{Kind: CmdCreateUser}
	case "/user_accounts":
		return Command{Kind: CmdUserAccounts}
	case "/print_user_tsx":
		return Command{Kind: CmdPrintUserTransactions}
	case "/print_tsx":
		return Command{Kind: CmdPrintTransactions}
	case "/deposit":
		return Command{Kind: CmdDeposit}
	case "/withdraw":
		return Command{Kind: CmdWithdraw}
	case "/transfer":
		return Command{Kind: CmdTransfer}
	case "/pay":
		return Command{Kind: CmdPay}
	case "/refund":
		return Command{Kind: CmdRefund}
	case "/help":
		return Command{Kind: CmdHelp}
	default:
		return Command{Kind: CmdUnknown, Text: strings.TrimSpace(input)}
	}
}

// ErrorCommand wraps an input-surface failure (for example a stdin read
// error) so the dispatcher can report it through the normal path.
func ErrorCommand(detail string) Command {
	return Command{Kind: CmdError, Text: detail}
}

// Replicates reports whether a command mutates the ledger and therefore must
// be broadcast to peers when locally originated.
func (k CommandKind) Replicates() bool {
	switch k {
	case CmdCreateUser, CmdDeposit, CmdWithdraw, CmdTransfer, CmdPay, CmdRefund:
		return true
	}
	return false
}
