package tcpjsonrpc

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize 是单个帧的默认上限（1 MiB）。
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrMalformedFrame 表示收到的字节不可能构成一个 JSON 值的开头，或括号不匹配。
	ErrMalformedFrame = errors.New("jsonrpc2: malformed frame")
	// ErrFrameTooLarge 表示帧超过了上限。
	ErrFrameTooLarge = errors.New("jsonrpc2: frame too large")
)

// FrameReader 从字节流中切分出完整的 JSON 文档。
// 对象和数组从 '{' 或 '[' 开始，到对应的括号闭合为止，字符串内的括号和转义不计入。
// 标量也是一个帧：字符串到未转义的引号为止；数字和 true/false/null 到空白、结构字符或 EOF 为止，
// 结束它的那个字节留给下一帧。帧内部是否为合法 JSON 由 Dispatcher 判断。
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
	buf     []byte
	stack   []byte
}

// NewFrameReader 创建帧读取器。maxSize <= 0 时使用 DefaultMaxFrameSize。
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{
		r:       bufio.NewReader(r),
		maxSize: maxSize,
	}
}

// ReadFrame 读取下一个帧。返回的切片在下一次调用前有效。
// 对端关闭且没有待处理字节时返回 io.EOF；若关闭时只有半个帧，则先把这部分字节作为一帧返回。
func (f *FrameReader) ReadFrame() ([]byte, error) {
	f.buf = f.buf[:0]
	f.stack = f.stack[:0]
	inString, escaped, literal := false, false, false

	for {
		c, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(f.buf) > 0 {
				return f.buf, nil
			}
			return nil, err
		}

		if len(f.buf) == 0 {
			switch {
			case isSpace(c):
				continue
			case c == '{', c == '[', c == '"':
			case c == 't', c == 'f', c == 'n', c == '-', c >= '0' && c <= '9':
				literal = true
			default:
				return nil, errors.Wrapf(ErrMalformedFrame, "unexpected byte %q", c)
			}
		}

		if literal && (isSpace(c) || isStructural(c)) {
			// 分隔符属于下一帧
			if err := f.r.UnreadByte(); err != nil {
				return nil, errors.Wrap(err, "jsonrpc2: unread delimiter")
			}
			return f.buf, nil
		}

		if len(f.buf) >= f.maxSize {
			return nil, errors.Wrapf(ErrFrameTooLarge, "limit %d bytes", f.maxSize)
		}
		f.buf = append(f.buf, c)

		if literal {
			continue
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				if len(f.stack) == 0 {
					return f.buf, nil
				}
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			f.stack = append(f.stack, '}')
		case '[':
			f.stack = append(f.stack, ']')
		case '}', ']':
			if len(f.stack) == 0 || f.stack[len(f.stack)-1] != c {
				return nil, errors.Wrapf(ErrMalformedFrame, "unbalanced %q", c)
			}
			f.stack = f.stack[:len(f.stack)-1]
			if len(f.stack) == 0 {
				return f.buf, nil
			}
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isStructural(c byte) bool {
	switch c {
	case '{', '}', '[', ']', ',', ':', '"':
		return true
	}
	return false
}
