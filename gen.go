// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package thumbnail

//go:generate go build -o target/ github.com/linuxdeepin/dde-theme-thumbnail/bin/dde-theme-thumbnail
//go:generate go build -o target/ github.com/linuxdeepin/dde-theme-thumbnail/bin/dde-theme-thumbnail-worker
//go:generate go build -o target/ github.com/linuxdeepin/dde-theme-thumbnail/bin/theme-thumb-tool
