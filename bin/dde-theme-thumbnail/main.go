// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	theme_thumbnail "github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1"
)

func main() {
	theme_thumbnail.Run()
}
