// Copyright 2025 The Corridor Gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/corridorhq/corridor-gateway/pkg/config"
)

// CreateConfigHash hashes the corridor-affecting subset of the
// configuration: keys are recursively sorted, floats rounded to 5
// decimals, and any key starting with "save" dropped, so that persistence
// toggles and float noise never invalidate corridors.
func CreateConfigHash(cfg *config.Config) string {
	var buf bytes.Buffer
	writeCanonical(&buf, cfg.Raw())
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			if strings.HasPrefix(k, "save") {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			buf.Write(kj)
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case float64:
		rounded := math.Round(t*1e5) / 1e5
		buf.WriteString(strconv.FormatFloat(rounded, 'g', -1, 64))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case int:
		buf.WriteString(strconv.Itoa(t))
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		sj, _ := json.Marshal(t)
		buf.Write(sj)
	case nil:
		buf.WriteString("null")
	default:
		j, _ := json.Marshal(t)
		buf.Write(j)
	}
}
