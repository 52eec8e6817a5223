// Package respbuilder provides bit-exact constructors for every
// PostgreSQL backend wire message, per spec.md §4.5. Every constructor
// appends to a caller-owned *bytes.Buffer (a session's write buffer);
// none of them touch a socket.
//
// Grounded on the teacher's pg_relay.go:sendSyntheticAuthOK (which
// hand-assembles AuthenticationOk + ParameterStatus* + BackendKeyData +
// ReadyForQuery) and postgres.go:sendPGError/writePGMessage.
package respbuilder

import (
	"bytes"

	"github.com/pgfixture/pgfixture/internal/wire"
)

const (
	TypeAuthentication    byte = 'R'
	TypeParameterStatus   byte = 'S'
	TypeBackendKeyData    byte = 'K'
	TypeReadyForQuery     byte = 'Z'
	TypeRowDescription    byte = 'T'
	TypeDataRow           byte = 'D'
	TypeCommandComplete   byte = 'C'
	TypeEmptyQueryResp    byte = 'I'
	TypeErrorResponse     byte = 'E'
	TypeNoticeResponse    byte = 'N'
	TypeParseComplete     byte = '1'
	TypeBindComplete      byte = '2'
	TypeCloseComplete     byte = '3'
	TypeNoData            byte = 'n'
	TypePortalSuspended   byte = 's'
	TypeParameterDesc     byte = 't'
	TypeCopyInResponse    byte = 'G'
	TypeCopyOutResponse   byte = 'H'
	TypeCopyBothResponse  byte = 'W'
	TypeCopyData          byte = 'd'
	TypeCopyDone          byte = 'c'
	TypeCopyFail          byte = 'f'
)

func write(buf *bytes.Buffer, msgType byte, payload []byte) {
	// WriteFrame never fails against a bytes.Buffer.
	_ = wire.WriteFrame(buf, msgType, payload)
}

// AuthSubType enumerates the i32 sub-type field of an Authentication
// message, per spec.md §4.5.
type AuthSubType int32

const (
	AuthOK                AuthSubType = 0
	AuthCleartextPassword AuthSubType = 3
	AuthMD5Password       AuthSubType = 5
	AuthSASL              AuthSubType = 10
	AuthSASLContinue      AuthSubType = 11
	AuthSASLFinal         AuthSubType = 12
)

// AuthenticationOK writes AuthenticationRequest sub-type 0.
func AuthenticationOK(buf *bytes.Buffer) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(AuthOK))
	write(buf, TypeAuthentication, fw.Bytes())
}

// AuthenticationCleartextPassword writes AuthenticationRequest sub-type 3.
func AuthenticationCleartextPassword(buf *bytes.Buffer) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(AuthCleartextPassword))
	write(buf, TypeAuthentication, fw.Bytes())
}

// AuthenticationMD5Password writes AuthenticationRequest sub-type 5
// with its 4-byte salt.
func AuthenticationMD5Password(buf *bytes.Buffer, salt [4]byte) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(AuthMD5Password)).ByteN(salt[:])
	write(buf, TypeAuthentication, fw.Bytes())
}

// AuthenticationSASL writes AuthenticationRequest sub-type 10 with a
// NUL-terminated list of mechanism names, terminated by an empty string.
func AuthenticationSASL(buf *bytes.Buffer, mechanisms []string) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(AuthSASL))
	for _, m := range mechanisms {
		fw.CString(m)
	}
	fw.Byte(0)
	write(buf, TypeAuthentication, fw.Bytes())
}

// AuthenticationSASLContinue writes AuthenticationRequest sub-type 11
// with the server's challenge data.
func AuthenticationSASLContinue(buf *bytes.Buffer, data []byte) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(AuthSASLContinue)).ByteN(data)
	write(buf, TypeAuthentication, fw.Bytes())
}

// AuthenticationSASLFinal writes AuthenticationRequest sub-type 12
// with the server's final signature.
func AuthenticationSASLFinal(buf *bytes.Buffer, data []byte) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(AuthSASLFinal)).ByteN(data)
	write(buf, TypeAuthentication, fw.Bytes())
}

// ParameterStatus writes a 'S' message: cstr name, cstr value.
func ParameterStatus(buf *bytes.Buffer, name, value string) {
	fw := wire.NewFieldWriter()
	fw.CString(name).CString(value)
	write(buf, TypeParameterStatus, fw.Bytes())
}

// BackendKeyData writes a 'K' message: i32 pid, i32 secret.
func BackendKeyData(buf *bytes.Buffer, pid, secret uint32) {
	fw := wire.NewFieldWriter()
	fw.Int32(int32(pid)).Int32(int32(secret))
	write(buf, TypeBackendKeyData, fw.Bytes())
}

// TxStatus is the single-byte transaction status sent in ReadyForQuery.
type TxStatus byte

const (
	TxIdle    TxStatus = 'I'
	TxInTxn   TxStatus = 'T'
	TxInError TxStatus = 'E'
)

// ReadyForQuery writes a 'Z' message with the given transaction status.
func ReadyForQuery(buf *bytes.Buffer, status TxStatus) {
	write(buf, TypeReadyForQuery, []byte{byte(status)})
}

// FieldDescription describes one column of a RowDescription message.
type FieldDescription struct {
	Name         string
	TableOID     int32
	ColumnAttr   int16
	TypeOID      int32
	TypeSize     int16
	TypeModifier int32
	Format       int16
}

// RowDescription writes a 'T' message.
func RowDescription(buf *bytes.Buffer, fields []FieldDescription) {
	fw := wire.NewFieldWriter()
	fw.Int16(int16(len(fields)))
	for _, f := range fields {
		fw.CString(f.Name).
			Int32(f.TableOID).
			Int16(f.ColumnAttr).
			Int32(f.TypeOID).
			Int16(f.TypeSize).
			Int32(f.TypeModifier).
			Int16(f.Format)
	}
	write(buf, TypeRowDescription, fw.Bytes())
}

// DataRow writes a 'D' message. A nil entry in values encodes as a
// SQL NULL (length -1), per spec.md §4.5.
func DataRow(buf *bytes.Buffer, values [][]byte) {
	fw := wire.NewFieldWriter()
	fw.Int16(int16(len(values)))
	for _, v := range values {
		if v == nil {
			fw.Int32(-1)
			continue
		}
		fw.Int32(int32(len(v))).ByteN(v)
	}
	write(buf, TypeDataRow, fw.Bytes())
}

// CommandComplete writes a 'C' message with the command tag (e.g.
// "SELECT 1", "INSERT 0 1").
func CommandComplete(buf *bytes.Buffer, tag string) {
	fw := wire.NewFieldWriter()
	fw.CString(tag)
	write(buf, TypeCommandComplete, fw.Bytes())
}

// EmptyQueryResponse writes an 'I' message with no payload.
func EmptyQueryResponse(buf *bytes.Buffer) {
	write(buf, TypeEmptyQueryResp, nil)
}

// ErrorField is one (code, value) pair of an ErrorResponse/NoticeResponse.
type ErrorField struct {
	Code  byte
	Value string
}

// Common ErrorField codes, per the PostgreSQL protocol.
const (
	FieldSeverity     byte = 'S'
	FieldSQLSTATE     byte = 'C'
	FieldMessage      byte = 'M'
	FieldDetail       byte = 'D'
	FieldHint         byte = 'H'
	FieldPosition     byte = 'P'
	FieldInternalPos  byte = 'p'
	FieldWhere        byte = 'W'
	FieldSchemaName   byte = 's'
	FieldTableName    byte = 't'
	FieldColumnName   byte = 'c'
	FieldDataTypeName byte = 'd'
	FieldConstraint   byte = 'n'
	FieldFile         byte = 'F'
	FieldLine         byte = 'L'
	FieldRoutine      byte = 'R'
)

func errorOrNotice(buf *bytes.Buffer, msgType byte, fields []ErrorField) {
	fw := wire.NewFieldWriter()
	for _, f := range fields {
		fw.Byte(f.Code).CString(f.Value)
	}
	fw.Byte(0) // terminator
	write(buf, msgType, fw.Bytes())
}

// ErrorResponse writes an 'E' message: repeated (code, cstr) pairs
// terminated by a NUL byte, preserving field order.
func ErrorResponse(buf *bytes.Buffer, fields []ErrorField) {
	errorOrNotice(buf, TypeErrorResponse, fields)
}

// NoticeResponse writes an 'N' message with the same layout as ErrorResponse.
func NoticeResponse(buf *bytes.Buffer, fields []ErrorField) {
	errorOrNotice(buf, TypeNoticeResponse, fields)
}

// SimpleError builds the minimal ErrorResponse field set (severity,
// SQLSTATE, message) used throughout the FSM for protocol errors.
func SimpleError(buf *bytes.Buffer, severity, sqlstate, message string) {
	ErrorResponse(buf, []ErrorField{
		{FieldSeverity, severity},
		{FieldSQLSTATE, sqlstate},
		{FieldMessage, message},
	})
}

// ParseComplete writes a '1' message with no payload.
func ParseComplete(buf *bytes.Buffer) { write(buf, TypeParseComplete, nil) }

// BindComplete writes a '2' message with no payload.
func BindComplete(buf *bytes.Buffer) { write(buf, TypeBindComplete, nil) }

// CloseComplete writes a '3' message with no payload.
func CloseComplete(buf *bytes.Buffer) { write(buf, TypeCloseComplete, nil) }

// NoData writes a 'n' message with no payload.
func NoData(buf *bytes.Buffer) { write(buf, TypeNoData, nil) }

// PortalSuspended writes a 's' message with no payload.
func PortalSuspended(buf *bytes.Buffer) { write(buf, TypePortalSuspended, nil) }

// ParameterDescription writes a 't' message: i16 count, n x i32 OIDs.
func ParameterDescription(buf *bytes.Buffer, oids []int32) {
	fw := wire.NewFieldWriter()
	fw.Int16(int16(len(oids)))
	for _, oid := range oids {
		fw.Int32(oid)
	}
	write(buf, TypeParameterDesc, fw.Bytes())
}

func copyResponse(buf *bytes.Buffer, msgType byte, overallFormat byte, columnFormats []int16) {
	fw := wire.NewFieldWriter()
	fw.Byte(overallFormat).Int16(int16(len(columnFormats)))
	for _, f := range columnFormats {
		fw.Int16(f)
	}
	write(buf, msgType, fw.Bytes())
}

// CopyInResponse writes a 'G' message.
func CopyInResponse(buf *bytes.Buffer, overallFormat byte, columnFormats []int16) {
	copyResponse(buf, TypeCopyInResponse, overallFormat, columnFormats)
}

// CopyOutResponse writes a 'H' message.
func CopyOutResponse(buf *bytes.Buffer, overallFormat byte, columnFormats []int16) {
	copyResponse(buf, TypeCopyOutResponse, overallFormat, columnFormats)
}

// CopyBothResponse writes a 'W' message.
func CopyBothResponse(buf *bytes.Buffer, overallFormat byte, columnFormats []int16) {
	copyResponse(buf, TypeCopyBothResponse, overallFormat, columnFormats)
}

// CopyData writes a 'd' message carrying raw row bytes.
func CopyData(buf *bytes.Buffer, data []byte) { write(buf, TypeCopyData, data) }

// CopyDone writes a 'c' message with no payload.
func CopyDone(buf *bytes.Buffer) { write(buf, TypeCopyDone, nil) }

// CopyFail writes an 'f' message with a cstr failure reason.
func CopyFail(buf *bytes.Buffer, reason string) {
	fw := wire.NewFieldWriter()
	fw.CString(reason)
	write(buf, TypeCopyFail, fw.Bytes())
}

// SendAuthenticatedReady writes the full post-authentication handshake
// tail: AuthenticationOk, the given ParameterStatus pairs in order,
// BackendKeyData, and ReadyForQuery(Idle). Grounded directly on the
// teacher's pg_relay.go:sendSyntheticAuthOK, which assembles this exact
// sequence by hand for a pooled connection pretending to be fresh.
func SendAuthenticatedReady(buf *bytes.Buffer, params []ParameterStatusPair, pid, secret uint32) {
	AuthenticationOK(buf)
	for _, p := range params {
		ParameterStatus(buf, p.Name, p.Value)
	}
	BackendKeyData(buf, pid, secret)
	ReadyForQuery(buf, TxIdle)
}

// ParameterStatusPair is an ordered (name, value) pair for
// SendAuthenticatedReady, since map iteration order is undefined and
// spec.md's §8.1 scenario requires deterministic ParameterStatus order.
type ParameterStatusPair struct {
	Name  string
	Value string
}

// SSLUnsupported writes the single 'N' byte that denies SSL/GSS upgrade.
func SSLUnsupported(buf *bytes.Buffer) { buf.WriteByte('N') }

// SSLSupported writes the single 'S' byte that begins a TLS upgrade.
func SSLSupported(buf *bytes.Buffer) { buf.WriteByte('S') }
