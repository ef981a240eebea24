package decoder

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// NumberStoreABI describes the watched contract: a single stored number,
// a setter, a getter, and the event emitted by the setter.
const NumberStoreABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": false, "internalType": "address", "name": "Sender", "type": "address"}
		],
		"name": "NumberUpdatedEvent",
		"type": "event"
	},
	{
		"inputs": [],
		"name": "retrieve",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "uint256", "name": "num", "type": "uint256"}],
		"name": "store",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// DefaultEventSignature is the event tracked when none is configured.
const DefaultEventSignature = "NumberUpdatedEvent(address)"

const retrieveMethod = "retrieve"

var (
	parseOnce sync.Once
	parsedABI abi.ABI
	parseErr  error
)

func contractABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(NumberStoreABI))
	})
	return parsedABI, parseErr
}
