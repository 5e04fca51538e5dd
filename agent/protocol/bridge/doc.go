// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 bridge 在 MCP 工具调用与 A2A 信封之间做双向转换。

# 映射

MethodMapping 把一个 MCP 工具名（SourceMethod）绑定到一个 A2A 方法
（TargetMethod），并用 FieldMapping 列表声明参数与结果字段的对应关系。
字段路径使用点号分隔，可以读写嵌套对象。映射按源方法和目标方法双向索引，
可以在启动时通过 LoadMappingsYAML 从声明文件批量加载。

# 转换函数

Transform 由成对的 Forward / Reverse 函数组成。没有 Reverse 的转换是有损的，
反向翻译时保留原值。内置转换：priority_enum、string_to_int、
ms_to_duration、lowercase（有损）、json_string。

# 缓存

Forward 转换结果按（转换名、参数名、序列化值）缓存：一级为进程内
TTL 缓存，容量满时淘汰最旧的 10%；可选的二级 Store（RedisStore）在多个
实例之间共享结果。同一键的并发未命中通过 singleflight 只计算一次。

# 失败策略

请求翻译只在缺少必填字段或方法没有映射时失败；单个字段的转换失败只记录
警告并保留原值。
*/
package bridge
