package events

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
var Erc20TransferSelector = [4]byte{0xa9, 0x05, 0x9c, 0xbb}

// Erc20TransferData is the decoded calldata of an ERC-20 transfer call. It is
// the only calldata shape the minter ever attaches to an outgoing transaction.
type Erc20TransferData struct {
	To    common.Address
	Value *uint256.Int
}

// Encode renders the transfer calldata: the 4-byte selector followed by the
// recipient and value, each left-padded to a 32-byte word.
func (d Erc20TransferData) Encode() []byte {
	out := make([]byte, 0, 68)
	out = append(out, Erc20TransferSelector[:]...)
	var addr [32]byte
	copy(addr[12:], d.To.Bytes())
	out = append(out, addr[:]...)
	value := d.Value.Bytes32()
	out = append(out, value[:]...)
	return out
}

// DecodeErc20Transfer parses transfer calldata produced by Encode. It rejects
// any other selector, length, or a recipient word with nonzero padding.
func DecodeErc20Transfer(data []byte) (Erc20TransferData, error) {
	if len(data) != 68 {
		return Erc20TransferData{}, fmt.Errorf("erc20 transfer calldata must be 68 bytes, got %d", len(data))
	}
	if !bytes.Equal(data[:4], Erc20TransferSelector[:]) {
		return Erc20TransferData{}, fmt.Errorf("unexpected selector %x", data[:4])
	}
	var zero [12]byte
	if !bytes.Equal(data[4:16], zero[:]) {
		return Erc20TransferData{}, fmt.Errorf("recipient word has nonzero padding")
	}
	var d Erc20TransferData
	d.To = common.BytesToAddress(data[16:36])
	d.Value = new(uint256.Int).SetBytes(data[36:68])
	return d, nil
}
