package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Protocol event signatures. Topic hashes are computed once at init.
const (
	sigReceiptIssued           = "ReceiptIssued(bytes32,bytes32,address,uint64,uint256)"
	sigReceiptFinalized        = "ReceiptFinalized(bytes32)"
	sigReceiptChallenged       = "ReceiptChallenged(bytes32,address)"
	sigDisputeOpened           = "DisputeOpened(bytes32,bytes32,address,uint256)"
	sigDisputeResolved         = "DisputeResolved(bytes32,uint8)"
	sigSolverRegistered        = "SolverRegistered(bytes32,address,uint256)"
	sigSolverDeactivated       = "SolverDeactivated(bytes32)"
	sigDelegatedPaymentSettled = "DelegatedPaymentSettled(bytes32,address,uint256)"
	sigTransfer                = "Transfer(address,address,uint256)"
)

var (
	TopicReceiptIssued           = eventTopic(sigReceiptIssued)
	TopicReceiptFinalized        = eventTopic(sigReceiptFinalized)
	TopicReceiptChallenged       = eventTopic(sigReceiptChallenged)
	TopicDisputeOpened           = eventTopic(sigDisputeOpened)
	TopicDisputeResolved         = eventTopic(sigDisputeResolved)
	TopicSolverRegistered        = eventTopic(sigSolverRegistered)
	TopicSolverDeactivated       = eventTopic(sigSolverDeactivated)
	TopicDelegatedPaymentSettled = eventTopic(sigDelegatedPaymentSettled)
	TopicTransfer                = eventTopic(sigTransfer)
)

// eventTopic hashes a Solidity event signature into its log topic.
func eventTopic(sig string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(sig))
	return common.BytesToHash(h.Sum(nil))
}

var topicNames = map[common.Hash]string{
	TopicReceiptIssued:           "ReceiptIssued",
	TopicReceiptFinalized:        "ReceiptFinalized",
	TopicReceiptChallenged:       "ReceiptChallenged",
	TopicDisputeOpened:           "DisputeOpened",
	TopicDisputeResolved:         "DisputeResolved",
	TopicSolverRegistered:        "SolverRegistered",
	TopicSolverDeactivated:       "SolverDeactivated",
	TopicDelegatedPaymentSettled: "DelegatedPaymentSettled",
	TopicTransfer:                "Transfer",
}
