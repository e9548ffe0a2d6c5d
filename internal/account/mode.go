package account

// CallType 描述批次形态。
type CallType uint8

// ExecType 描述失败传播语义。
type ExecType uint8

const (
	CallTypeSingle CallType = 0x00
	CallTypeBatch  CallType = 0x01
	CallTypeStatic CallType = 0xFE
	// CallTypeDelegate 永久不受支持，解码时即拒绝。
	CallTypeDelegate CallType = 0xFF
)

const (
	ExecTypeDefault ExecType = 0x00
	ExecTypeTry     ExecType = 0x01
)

// Mode 是 execute 的模式描述符：批次形态 × 失败语义。
type Mode struct {
	Call CallType `json:"call"`
	Exec ExecType `json:"exec"`
}

// DecodeMode 解析两字节的模式描述符。delegate 类型与未知取值一律拒绝。
func DecodeMode(raw []byte) (Mode, error) {
	if len(raw) < 2 {
		return Mode{}, ErrUnsupportedMode
	}
	mode := Mode{Call: CallType(raw[0]), Exec: ExecType(raw[1])}
	if err := mode.Validate(); err != nil {
		return Mode{}, err
	}
	return mode, nil
}

// Encode 输出模式描述符的线上形式。
func (m Mode) Encode() []byte {
	return []byte{byte(m.Call), byte(m.Exec)}
}

// Validate 检查模式组合是否受支持。
func (m Mode) Validate() error {
	switch m.Call {
	case CallTypeSingle, CallTypeBatch, CallTypeStatic:
	default:
		return ErrUnsupportedMode
	}
	switch m.Exec {
	case ExecTypeDefault, ExecTypeTry:
	default:
		return ErrUnsupportedMode
	}
	// 只读模式下 try 语义没有意义：没有可保留的副作用。
	if m.Call == CallTypeStatic && m.Exec == ExecTypeTry {
		return ErrUnsupportedMode
	}
	return nil
}

// Static 报告该模式是否为只读执行。
func (m Mode) Static() bool {
	return m.Call == CallTypeStatic
}
