package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"ledgermesh/internal/clock"
)

// BeneficiaryNone is the sentinel for "no local credit side": payments and
// withdrawals debit a user without crediting anyone.
const BeneficiaryNone = "NULL"

var (
	ErrDuplicateUser        = errors.New("user already exists")
	ErrUnknownUser          = errors.New("unknown user")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrDuplicateTransaction = errors.New("transaction already applied")
)

// User is an account. Balance is derived state: it is rebuilt from the
// transaction log when the store opens.
type User struct {
	Name    string
	Balance decimal.Decimal
	Time    int64
	Node    string
}

// Transaction is an immutable ledger record. Its global identity is the
// (Time, Node) pair; Reference is empty unless the record is a refund, in
// which case it names the refunded transaction's key.
type Transaction struct {
	Time        int64
	Node        string
	Sender      string
	Beneficiary string
	Amount      decimal.Decimal
	Reference   string
}

// Key is the transaction's global identity.
func (t Transaction) Key() string {
	return TxKey(t.Time, t.Node)
}

func TxKey(time int64, node string) string {
	return fmt.Sprintf("%d@%s", time, node)
}

// Origin says on whose behalf a mutation runs. A zero RemoteTime means the
// acting node originates the record and stamps it with its own clock; a
// positive RemoteTime means the record is replayed from a received payload
// and keeps the originating stamp.
type Origin struct {
	Node       string
	RemoteTime int64
}

func Local(node string) Origin {
	return Origin{Node: node}
}

func Replay(node string, remoteTime int64) Origin {
	return Origin{Node: node, RemoteTime: remoteTime}
}

func (o Origin) replay() bool { return o.RemoteTime > 0 }

// stamp advances the clock and returns the (time, node) pair the new record
// carries. Called with the store lock held so clock advancement and store
// mutation cannot interleave with another command.
func (o Origin) stamp(clk *clock.Lamport) (int64, string) {
	if o.replay() {
		clk.Observe(o.RemoteTime)
		return o.RemoteTime, o.Node
	}
	return clk.Tick(), o.Node
}

type diskUser struct {
	Name string `json:"name"`
	Time int64  `json:"time"`
	Node string `json:"node"`
}

type diskTx struct {
	Time        int64  `json:"time"`
	Node        string `json:"node"`
	Sender      string `json:"sender"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
	Reference   string `json:"reference,omitempty"`
}

// Store holds the replicated ledger state: accounts and the append-only
// transaction log, persisted as JSONL under the node home. Mutations are
// all-or-nothing: nothing is committed to memory until the disk append
// succeeds.
type Store struct {
	mu        sync.RWMutex
	usersPath string
	tsxPath   string
	users     map[string]*User
	tsx       []Transaction
	byKey     map[string]int
}

func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	s := &Store{
		usersPath: filepath.Join(dir, "users.jsonl"),
		tsxPath:   filepath.Join(dir, "transactions.jsonl"),
		users:     make(map[string]*User),
		byKey:     make(map[string]int),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if err := scanLines(s.usersPath, func(line []byte) error {
		var du diskUser
		if err := json.Unmarshal(line, &du); err != nil {
			return fmt.Errorf("corrupt user record: %w", err)
		}
		s.users[du.Name] = &User{Name: du.Name, Time: du.Time, Node: du.Node}
		return nil
	}); err != nil {
		return err
	}
	return scanLines(s.tsxPath, func(line []byte) error {
		var dt diskTx
		if err := json.Unmarshal(line, &dt); err != nil {
			return fmt.Errorf("corrupt transaction record: %w", err)
		}
		amount, err := decimal.NewFromString(dt.Amount)
		if err != nil {
			return fmt.Errorf("corrupt transaction amount %q: %w", dt.Amount, err)
		}
		t := Transaction{
			Time:        dt.Time,
			Node:        dt.Node,
			Sender:      dt.Sender,
			Beneficiary: dt.Beneficiary,
			Amount:      amount,
			Reference:   dt.Reference,
		}
		s.commitLocked(t)
		return nil
	})
}

func scanLines(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return f.Sync()
}

// CreateUser registers a new account with a zero balance.
func (s *Store) CreateUser(clk *clock.Lamport, o Origin, name string) (User, error) {
	if name == "" || name == BeneficiaryNone {
		return User{}, fmt.Errorf("%w: invalid name %q", ErrUnknownUser, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; ok {
		return User{}, fmt.Errorf("%w: %s", ErrDuplicateUser, name)
	}
	ts, node := o.stamp(clk)
	if err := appendLine(s.usersPath, diskUser{Name: name, Time: ts, Node: node}); err != nil {
		return User{}, err
	}
	u := &User{Name: name, Time: ts, Node: node}
	s.users[name] = u
	return *u, nil
}

// Deposit credits an account. The record's sender side is the sentinel: the
// money enters the system from outside.
func (s *Store) Deposit(clk *clock.Lamport, o Origin, name string, amount decimal.Decimal) (Transaction, error) {
	return s.addTransaction(clk, o, BeneficiaryNone, name, amount, "", false)
}

// Withdraw debits an account. Locally originated withdrawals are rejected
// when the balance cannot cover them; replayed withdrawals always apply so
// replicas converge on the same balance.
func (s *Store) Withdraw(clk *clock.Lamport, o Origin, name string, amount decimal.Decimal) (Transaction, error) {
	return s.addTransaction(clk, o, name, BeneficiaryNone, amount, "", true)
}

// CreateTransaction moves amount from sender to beneficiary; with the
// sentinel beneficiary it is a pure payment with no credit side.
func (s *Store) CreateTransaction(clk *clock.Lamport, o Origin, sender, beneficiary string, amount decimal.Decimal, reference string) (Transaction, error) {
	return s.addTransaction(clk, o, sender, beneficiary, amount, reference, false)
}

func (s *Store) addTransaction(clk *clock.Lamport, o Origin, sender, beneficiary string, amount decimal.Decimal, reference string, checkFunds bool) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender != BeneficiaryNone {
		u, ok := s.users[sender]
		if !ok {
			return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownUser, sender)
		}
		if checkFunds && !o.replay() && u.Balance.LessThan(amount) {
			return Transaction{}, fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, sender, u.Balance, amount)
		}
	}
	if beneficiary != BeneficiaryNone {
		if _, ok := s.users[beneficiary]; !ok {
			return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownUser, beneficiary)
		}
	}
	ts, node := o.stamp(clk)
	t := Transaction{
		Time:        ts,
		Node:        node,
		Sender:      sender,
		Beneficiary: beneficiary,
		Amount:      amount,
		Reference:   reference,
	}
	if _, ok := s.byKey[t.Key()]; ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.Key())
	}
	if err := appendLine(s.tsxPath, diskTx{
		Time:        t.Time,
		Node:        t.Node,
		Sender:      t.Sender,
		Beneficiary: t.Beneficiary,
		Amount:      t.Amount.String(),
		Reference:   t.Reference,
	}); err != nil {
		return Transaction{}, err
	}
	s.commitLocked(t)
	return t, nil
}

// commitLocked applies a transaction's balance effects in memory. Used both
// by mutations (after a successful append) and by load.
func (s *Store) commitLocked(t Transaction) {
	if u, ok := s.users[t.Sender]; ok {
		u.Balance = u.Balance.Sub(t.Amount)
	}
	if u, ok := s.users[t.Beneficiary]; ok {
		u.Balance = u.Balance.Add(t.Amount)
	}
	s.byKey[t.Key()] = len(s.tsx)
	s.tsx = append(s.tsx, t)
}

// RefundTransaction creates a new transaction reversing the one identified by
// (refTime, refNode); the original record is never touched.
func (s *Store) RefundTransaction(clk *clock.Lamport, o Origin, refTime int64, refNode string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byKey[TxKey(refTime, refNode)]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, TxKey(refTime, refNode))
	}
	orig := s.tsx[idx]
	ts, node := o.stamp(clk)
	t := Transaction{
		Time:        ts,
		Node:        node,
		Sender:      orig.Beneficiary,
		Beneficiary: orig.Sender,
		Amount:      orig.Amount,
		Reference:   orig.Key(),
	}
	if _, ok := s.byKey[t.Key()]; ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateTransaction, t.Key())
	}
	if err := appendLine(s.tsxPath, diskTx{
		Time:        t.Time,
		Node:        t.Node,
		Sender:      t.Sender,
		Beneficiary: t.Beneficiary,
		Amount:      t.Amount.String(),
		Reference:   t.Reference,
	}); err != nil {
		return Transaction{}, err
	}
	s.commitLocked(t)
	return t, nil
}

// Users lists all accounts sorted by name.
func (s *Store) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transactions returns the full log in application order.
func (s *Store) Transactions() []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transaction, len(s.tsx))
	copy(out, s.tsx)
	return out
}

// TransactionsFor lists the transactions touching one account.
func (s *Store) TransactionsFor(name string) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, t := range s.tsx {
		if t.Sender == name || t.Beneficiary == name {
			out = append(out, t)
		}
	}
	return out
}

// FindTransaction is the point lookup by global identity key.
func (s *Store) FindTransaction(time int64, node string) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byKey[TxKey(time, node)]
	if !ok {
		return Transaction{}, false
	}
	return s.tsx[idx], true
}

// WriteUsers prints the account table.
func (s *Store) WriteUsers(w io.Writer) {
	for _, u := range s.Users() {
		fmt.Fprintf(w, "%-20s %s\n", u.Name, u.Balance)
	}
}

// WriteTransactions prints transaction records one per line.
func WriteTransactions(w io.Writer, tsx []Transaction) {
	for _, t := range tsx {
		ref := ""
		if t.Reference != "" {
			ref = " refund_of=" + t.Reference
		}
		fmt.Fprintf(w, "%s sender=%s beneficiary=%s amount=%s%s\n", t.Key(), t.Sender, t.Beneficiary, t.Amount, ref)
	}
}
