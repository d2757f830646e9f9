package bundle

import (
	"bytes"
	"path"
	"strings"
	"unicode/utf8"
)

// binaryExtensions 按扩展名直接视为二进制的文件
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".bmp": true, ".ico": true,
	".so": true, ".dex": true, ".arsc": true, ".odex": true, ".oat": true, ".vdex": true,
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true,
	".mp3": true, ".ogg": true, ".wav": true, ".mp4": true, ".m4a": true,
	".zip": true, ".jar": true, ".apk": true, ".aar": true, ".gz": true,
	".bin": true, ".dat": true, ".db": true, ".realm": true,
	".rsa": true, ".dsa": true, ".ec": true,
}

// Classify 判断文件编码
func Classify(p string, content []byte) Encoding {
	ext := strings.ToLower(path.Ext(p))
	if binaryExtensions[ext] {
		return EncodingBinary
	}
	if bytes.IndexByte(content, 0) >= 0 || !utf8.Valid(content) {
		return EncodingUndecodable
	}
	return EncodingUTF8
}
