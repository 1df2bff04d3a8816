package types

import "nearview/codec"

// Schema declares the state records exchanged with ingestion and queries.
// Field order is the wire format.
var Schema = codec.Schema{
	"Account": codec.StructOf(
		codec.F("amount", codec.U128),
		codec.F("locked", codec.U128),
		codec.F("code_hash", codec.Fixed(32)),
		codec.F("storage_usage", codec.U64),
	),
	"AccessKey": codec.StructOf(
		codec.F("nonce", codec.U64),
		codec.F("permission", codec.Ref("AccessKeyPermission")),
	),
	"AccessKeyPermission": codec.EnumOf(
		codec.V("FunctionCall", codec.Ref("FunctionCallPermission")),
		codec.V("FullAccess", nil),
	),
	"FunctionCallPermission": codec.StructOf(
		codec.F("allowance", codec.OptionOf(codec.U128)),
		codec.F("receiver_id", codec.String),
		codec.F("method_names", codec.VecOf(codec.String)),
	),
	"PublicKey": codec.EnumOf(
		codec.V("ED25519", codec.Fixed(32)),
		codec.V("SECP256K1", codec.Fixed(64)),
	),
}
