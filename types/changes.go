package types

import (
	"fmt"
)

// ChangeType names one kind of state change record.
type ChangeType string

const (
	ChangeAccountUpdate        ChangeType = "account_update"
	ChangeAccountDeletion      ChangeType = "account_deletion"
	ChangeDataUpdate           ChangeType = "data_update"
	ChangeDataDeletion         ChangeType = "data_deletion"
	ChangeAccessKeyUpdate      ChangeType = "access_key_update"
	ChangeAccessKeyDeletion    ChangeType = "access_key_deletion"
	ChangeContractCodeUpdate   ChangeType = "contract_code_update"
	ChangeContractCodeDeletion ChangeType = "contract_code_deletion"
)

// StateChange is one decoded change record. Which payload fields are set
// depends on Type.
type StateChange struct {
	Type      ChangeType
	AccountID string

	Account   *Account   // account_update
	Key       []byte     // data_*
	Value     []byte     // data_update
	PublicKey []byte     // access_key_*, serialized PublicKey
	AccessKey *AccessKey // access_key_update
	Code      []byte     // contract_code_update
}

func (c *StateChange) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("%s: empty account id", c.Type)
	}
	switch c.Type {
	case ChangeAccountUpdate:
		if c.Account == nil {
			return fmt.Errorf("%s: missing account", c.Type)
		}
	case ChangeDataUpdate:
		if c.Key == nil || c.Value == nil {
			return fmt.Errorf("%s: missing key or value", c.Type)
		}
	case ChangeDataDeletion:
		if c.Key == nil {
			return fmt.Errorf("%s: missing key", c.Type)
		}
	case ChangeAccessKeyUpdate:
		if len(c.PublicKey) == 0 || c.AccessKey == nil {
			return fmt.Errorf("%s: missing public key or access key", c.Type)
		}
	case ChangeAccessKeyDeletion:
		if len(c.PublicKey) == 0 {
			return fmt.Errorf("%s: missing public key", c.Type)
		}
	case ChangeContractCodeUpdate:
		if c.Code == nil {
			return fmt.Errorf("%s: missing code", c.Type)
		}
	case ChangeAccountDeletion, ChangeContractCodeDeletion:
	default:
		return fmt.Errorf("unknown change type %q", c.Type)
	}
	return nil
}
