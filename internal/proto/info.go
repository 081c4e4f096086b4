package proto

import "github.com/shopspring/decimal"

// MessageInfo carries exactly the data a peer needs to replay one replicable
// command without prompting anyone. The variant set mirrors the replicable
// subset of CommandKind; the codec and the dispatcher switch over it
// exhaustively and fail on anything else.
type MessageInfo interface {
	Command() CommandKind
	messageInfo()
}

type CreateUserInfo struct {
	Name string
}

type DepositInfo struct {
	Name   string
	Amount decimal.Decimal
}

type WithdrawInfo struct {
	Name   string
	Amount decimal.Decimal
}

type TransferInfo struct {
	Sender      string
	Beneficiary string
	Amount      decimal.Decimal
}

type PayInfo struct {
	Name   string
	Amount decimal.Decimal
}

// RefundInfo names the refunded transaction by its global identity key.
type RefundInfo struct {
	RefTime int64
	RefNode string
}

func (CreateUserInfo) Command() CommandKind { return CmdCreateUser }
func (DepositInfo) Command() CommandKind    { return CmdDeposit }
func (WithdrawInfo) Command() CommandKind   { return CmdWithdraw }
func (TransferInfo) Command() CommandKind   { return CmdTransfer }
func (PayInfo) Command() CommandKind        { return CmdPay }
func (RefundInfo) Command() CommandKind     { return CmdRefund }

func (CreateUserInfo) messageInfo() {}
func (DepositInfo) messageInfo()    {}
func (WithdrawInfo) messageInfo()   {}
func (TransferInfo) messageInfo()   {}
func (PayInfo) messageInfo()        {}
func (RefundInfo) messageInfo()     {}
