// storage/keys.go
package storage

import (
	"encoding/hex"
	"fmt"
	"strings"

	"nullifier/types"
)

// KeyVersion 全局 key 版本前缀（"v1" → "v1_<key>"）
const KeyVersion = "v1"

func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// 例：v1_share_<keyid hex>_<epoch 20 位补零>
func KeyShare(keyID types.KeyID, ep types.Epoch) string {
	return withVer(fmt.Sprintf("share_%s_%020d", hex.EncodeToString(keyID.Bytes()), ep))
}

// 例：v1_share_<keyid hex>_
func PrefixShares(keyID types.KeyID) string {
	return withVer(fmt.Sprintf("share_%s_", hex.EncodeToString(keyID.Bytes())))
}

// 例：v1_window_<keyid hex>
func KeyWindow(keyID types.KeyID) string {
	return withVer("window_" + hex.EncodeToString(keyID.Bytes()))
}

func PrefixWindows() string {
	return withVer("window_")
}

// parseShareEpoch 从 share key 中取出 epoch
func parseShareEpoch(key string) (types.Epoch, bool) {
	i := strings.LastIndexByte(key, '_')
	if i < 0 {
		return 0, false
	}
	var ep uint64
	if _, err := fmt.Sscanf(key[i+1:], "%d", &ep); err != nil {
		return 0, false
	}
	return types.Epoch(ep), true
}
