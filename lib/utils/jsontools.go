/*
 * PandoraCAS
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package utils

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/gravitational/trace"
)

// FastMarshal uses the json-iterator library for fast JSON marshaling.
// Note, this function marshals floats with 6 digits precision.
func FastMarshal(v any) ([]byte, error) {
	data, err := jsoniter.ConfigFastest.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// FastUnmarshal uses the json-iterator library for fast JSON unmarshaling.
// Note, this function uses a case-sensitive comparison for field names.
func FastUnmarshal(data []byte, v any) error {
	if err := jsoniter.ConfigFastest.Unmarshal(data, v); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
