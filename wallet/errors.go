package wallet

import "errors"

var (
	// ErrInsufficientFunds is returned when the candidate UTXOs cannot
	// cover the requested output amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientFundsForFee is returned when the inputs cover the
	// outputs but not the network fee on top of them.
	ErrInsufficientFundsForFee = errors.New("insufficient funds for network fee")

	// ErrMultipleInscriptions is returned when a UTXO carrying more than one
	// inscription is offered for a single inscription send. It has to be
	// split first.
	ErrMultipleInscriptions = errors.New("utxo carries more than one inscription")

	// ErrInscriptionOutsideOutput is returned when the postage is too small
	// for the output to hold the inscribed satoshi. The UTXO has to be split
	// so the inscription sits near its start, or sent with a larger postage.
	ErrInscriptionOutsideOutput = errors.New("inscribed satoshi falls outside its output")

	// ErrInvalidRecipient is returned for a coin recipient with an
	// unparsable address or a value the network would not relay.
	ErrInvalidRecipient = errors.New("invalid recipient")

	ErrInscriptionNotFound  = errors.New("no inscription utxo found")
	ErrMissingNetworkParams = errors.New("network params not supplied")
	ErrNoChangeOutput       = errors.New("no change output designated")
	ErrNoOutputs            = errors.New("transaction has no outputs")
	ErrUnknownAddressType   = errors.New("unknown address type")
)
