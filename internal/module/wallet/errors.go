package wallet

import "errors"

// Module errors.
var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("wallet transaction not found")
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrPlatformWallet      = errors.New("platform wallets have no company")
)
