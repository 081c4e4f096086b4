package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"

	"ledgermesh/internal/clock"
	"ledgermesh/internal/debuglog"
	"ledgermesh/internal/ledger"
	"ledgermesh/internal/metrics"
	"ledgermesh/internal/proto"
)

// Prompter supplies the arguments of a locally-originated command. Amount
// implementations re-prompt until the input parses as a positive decimal.
// Network-originated commands never touch a Prompter: their arguments come
// from the decoded payload.
type Prompter interface {
	Text(label string) (string, error)
	Amount(label string) (decimal.Decimal, error)
	LogicalTime(label string) (int64, error)
}

// Caster is the broadcast seam.
type Caster interface {
	SendToAll(ctx context.Context, env proto.Envelope) error
}

// Dispatcher interprets commands. Each call runs one command to completion:
// gather arguments, mutate the ledger, and broadcast if and only if the
// command originated locally. Help, Unknown and Error are terminal and
// side-effect free.
type Dispatcher struct {
	Node    string
	Clock   *clock.Lamport
	Ledger  *ledger.Store
	Caster  Caster
	Metrics *metrics.Metrics
	Out     io.Writer
	// Sign attaches the node's signature to an outgoing envelope. Nil leaves
	// envelopes unsigned.
	Sign func(*proto.Envelope) error
}

// HandleLocal executes one operator command.
func (d *Dispatcher) HandleLocal(ctx context.Context, cmd proto.Command, p Prompter) error {
	switch cmd.Kind {
	case proto.CmdUserAccounts:
		d.Ledger.WriteUsers(d.Out)
		return nil

	case proto.CmdPrintTransactions:
		ledger.WriteTransactions(d.Out, d.Ledger.Transactions())
		return nil

	case proto.CmdPrintUserTransactions:
		name, err := p.Text("Username")
		if err != nil {
			return err
		}
		ledger.WriteTransactions(d.Out, d.Ledger.TransactionsFor(name))
		return nil

	case proto.CmdHelp:
		d.writeHelp()
		return nil

	case proto.CmdUnknown:
		fmt.Fprintf(d.Out, "unknown command: %s\n", cmd.Text)
		return nil

	case proto.CmdError:
		fmt.Fprintf(d.Out, "input error: %s\n", cmd.Text)
		return nil
	}

	info, err := d.gather(cmd.Kind, p)
	if err != nil {
		return err
	}
	stampTime, stampNode, err := d.apply(info, ledger.Local(d.Node))
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.IncRejected()
		}
		return err
	}
	if d.Metrics != nil {
		d.Metrics.IncAppliedLocal()
	}
	return d.broadcast(ctx, info, stampTime, stampNode)
}

// HandleRemote replays one received payload. The arguments come from the
// envelope, the record keeps the origin's stamp, and nothing is rebroadcast:
// every peer of the origin received the same envelope already, and a relay
// here would echo around the mesh forever.
func (d *Dispatcher) HandleRemote(env proto.Envelope) error {
	if env.Info == nil {
		return fmt.Errorf("envelope without payload")
	}
	if !env.Command.Replicates() {
		return fmt.Errorf("command %q is not replicable", env.Command)
	}
	if env.Time <= 0 {
		// A replay with no usable stamp would be re-stamped with this node's
		// clock under the origin's id, minting a key the origin never created.
		return fmt.Errorf("envelope stamp %d is not a valid logical time", env.Time)
	}
	_, _, err := d.apply(env.Info, ledger.Replay(env.Node, env.Time))
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.IncRejected()
		}
		return err
	}
	if d.Metrics != nil {
		d.Metrics.IncAppliedRemote()
	}
	return nil
}

// gather collects the arguments of a replicable command into its payload
// variant, prompting the operator for each missing piece.
func (d *Dispatcher) gather(kind proto.CommandKind, p Prompter) (proto.MessageInfo, error) {
	switch kind {
	case proto.CmdCreateUser:
		name, err := p.Text("Username")
		if err != nil {
			return nil, err
		}
		return proto.CreateUserInfo{Name: name}, nil

	case proto.CmdDeposit:
		name, err := p.Text("Username")
		if err != nil {
			return nil, err
		}
		amount, err := p.Amount("Deposit amount")
		if err != nil {
			return nil, err
		}
		return proto.DepositInfo{Name: name, Amount: amount}, nil

	case proto.CmdWithdraw:
		name, err := p.Text("Username")
		if err != nil {
			return nil, err
		}
		amount, err := p.Amount("Withdraw amount")
		if err != nil {
			return nil, err
		}
		return proto.WithdrawInfo{Name: name, Amount: amount}, nil

	case proto.CmdTransfer:
		sender, err := p.Text("Username")
		if err != nil {
			return nil, err
		}
		amount, err := p.Amount("Transfer amount")
		if err != nil {
			return nil, err
		}
		d.Ledger.WriteUsers(d.Out)
		beneficiary, err := p.Text("Beneficiary")
		if err != nil {
			return nil, err
		}
		return proto.TransferInfo{Sender: sender, Beneficiary: beneficiary, Amount: amount}, nil

	case proto.CmdPay:
		name, err := p.Text("Username")
		if err != nil {
			return nil, err
		}
		amount, err := p.Amount("Payment amount")
		if err != nil {
			return nil, err
		}
		return proto.PayInfo{Name: name, Amount: amount}, nil

	case proto.CmdRefund:
		name, err := p.Text("Username")
		if err != nil {
			return nil, err
		}
		ledger.WriteTransactions(d.Out, d.Ledger.TransactionsFor(name))
		refTime, err := p.LogicalTime("Lamport time")
		if err != nil {
			return nil, err
		}
		refNode, err := p.Text("Node")
		if err != nil {
			return nil, err
		}
		return proto.RefundInfo{RefTime: refTime, RefNode: refNode}, nil
	}
	return nil, fmt.Errorf("command %q takes no payload", kind)
}

// apply performs the ledger mutation for one payload variant and returns the
// stamp of the created record. Shared by the local and network paths so a
// replayed command is indistinguishable from a local one.
func (d *Dispatcher) apply(info proto.MessageInfo, o ledger.Origin) (int64, string, error) {
	switch v := info.(type) {
	case proto.CreateUserInfo:
		u, err := d.Ledger.CreateUser(d.Clock, o, v.Name)
		if err != nil {
			return 0, "", err
		}
		return u.Time, u.Node, nil
	case proto.DepositInfo:
		t, err := d.Ledger.Deposit(d.Clock, o, v.Name, v.Amount)
		if err != nil {
			return 0, "", err
		}
		return t.Time, t.Node, nil
	case proto.WithdrawInfo:
		t, err := d.Ledger.Withdraw(d.Clock, o, v.Name, v.Amount)
		if err != nil {
			return 0, "", err
		}
		return t.Time, t.Node, nil
	case proto.TransferInfo:
		t, err := d.Ledger.CreateTransaction(d.Clock, o, v.Sender, v.Beneficiary, v.Amount, "")
		if err != nil {
			return 0, "", err
		}
		return t.Time, t.Node, nil
	case proto.PayInfo:
		t, err := d.Ledger.CreateTransaction(d.Clock, o, v.Name, ledger.BeneficiaryNone, v.Amount, "")
		if err != nil {
			return 0, "", err
		}
		return t.Time, t.Node, nil
	case proto.RefundInfo:
		t, err := d.Ledger.RefundTransaction(d.Clock, o, v.RefTime, v.RefNode)
		if err != nil {
			return 0, "", err
		}
		return t.Time, t.Node, nil
	}
	return 0, "", fmt.Errorf("unsupported payload variant %T", info)
}

// broadcast sends the applied payload to all peers. Only the local path gets
// here; the mutation has already committed, so a delivery failure is
// reported to the caller but changes nothing locally.
func (d *Dispatcher) broadcast(ctx context.Context, info proto.MessageInfo, stampTime int64, stampNode string) error {
	if d.Caster == nil {
		return nil
	}
	env := proto.NewTransactionEnvelope(info, stampTime, stampNode)
	if d.Sign != nil {
		if err := d.Sign(&env); err != nil {
			return err
		}
	}
	if err := d.Caster.SendToAll(ctx, env); err != nil {
		debuglog.Logf("broadcast incomplete: %v", err)
		return err
	}
	return nil
}

func (d *Dispatcher) writeHelp() {
	fmt.Fprintln(d.Out, "Command list:")
	fmt.Fprintln(d.Out, "/create_user      - Create a personal account")
	fmt.Fprintln(d.Out, "/user_accounts    - List all users")
	fmt.Fprintln(d.Out, "/print_user_tsx   - Show a user's transactions")
	fmt.Fprintln(d.Out, "/print_tsx        - Show all system transactions")
	fmt.Fprintln(d.Out, "/deposit          - Deposit money to an account")
	fmt.Fprintln(d.Out, "/withdraw         - Withdraw money from an account")
	fmt.Fprintln(d.Out, "/transfer         - Transfer money to another user")
	fmt.Fprintln(d.Out, "/pay              - Make a payment (no beneficiary)")
	fmt.Fprintln(d.Out, "/refund           - Refund a transaction")
}
